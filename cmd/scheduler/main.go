package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/cuemby/scheduler/pkg/config"
	"github.com/cuemby/scheduler/pkg/configreload"
	"github.com/cuemby/scheduler/pkg/coordination"
	"github.com/cuemby/scheduler/pkg/dispatcher"
	"github.com/cuemby/scheduler/pkg/eventingest"
	"github.com/cuemby/scheduler/pkg/leadertick"
	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/metrics"
	"github.com/cuemby/scheduler/pkg/reconciler"
	"github.com/cuemby/scheduler/pkg/rpc"
	"github.com/cuemby/scheduler/pkg/security"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
	"github.com/cuemby/scheduler/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scheduler",
	Short:   "A distributed, leader-elected job scheduler",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"scheduler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	config.BindFlags(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(certsCmd)

	runCmd.Flags().String("metrics-addr", ":9090", "Address the Prometheus /metrics and health endpoints bind to")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this process as a scheduler node",
	Long: `Run starts one scheduler node: it participates in leader/subleader
election over Redis, serves the worker RPC surface, and, while leader,
drives the leader tick, dispatcher, reconciler, and config reload loops.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	b, err := config.Load(cmd.Root())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	log.Init(log.Config{
		Level:      log.Level(b.LogLevel),
		JSONOutput: b.LogJSON,
	})
	logger := log.WithComponent("main")

	if b.WorkerID == "" {
		b.WorkerID = uuid.NewString()
	}
	if b.NodeID == "" {
		b.NodeID = b.WorkerID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, b.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(b.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if !b.InsecureRPC {
		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(b.ClusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}
	}

	serverTLS, dialTLS, err := buildTLSConfig(b, store, b.WorkerID, b.NodeID, b.RPCHost)
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	cache := config.NewCache()
	cache.Reload(ctx, store)

	coord := coordination.New(rdb, b.WorkerID, b.NodeID, b.RPCHost, b.RPCPort, cache.Coordination())

	archiver, err := worker.NewLogArchiver(worker.ArchiveConfig{
		Enabled:           b.ArchiveEnabled,
		Endpoint:          b.ArchiveEndpoint,
		AccessKeyID:       b.ArchiveAccessKey,
		SecretAccessKey:   b.ArchiveSecretKey,
		UseSSL:            b.ArchiveUseSSL,
		Bucket:            b.ArchiveBucket,
		KeyPrefix:         b.ArchiveKeyPrefix,
		PublicBaseURL:     b.ArchivePublicBaseURL,
		DeleteAfterUpload: b.ArchiveDeleteLocal,
	})
	if err != nil {
		return fmt.Errorf("build log archiver: %w", err)
	}

	runtime := worker.NewRuntime(worker.Config{
		WorkerID: b.WorkerID,
		NodeID:   b.NodeID,
		Store:    store,
		Commands: worker.DirCommandResolver{Dir: b.CommandsDir},
		LogsDir:  b.LogsDir,
		Archiver: archiver,
		LocalLogPolicy: worker.LocalLogPolicy{
			RetentionHours: int(b.LocalLogRetention.Hours()),
		},
	})
	handler := &reloadingHandler{Runtime: runtime, cache: cache, store: store}

	rpcAddr := fmt.Sprintf("%s:%d", b.RPCHost, b.RPCPort)
	rpcServer := rpc.NewServer(rpcAddr, handler, serverTLS)
	go func() {
		if err := rpcServer.Serve(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("rpc server stopped")
		}
	}()

	dialer := newClientDialer(rdb, dialTLS, 5*time.Second)

	activeWorkers := func() []types.WorkerInfo {
		listCtx, listCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer listCancel()
		workers, err := coordination.ListWorkers(listCtx, rdb)
		if err != nil {
			logger.Warn().Err(err).Msg("list workers failed")
			return nil
		}
		return workers
	}

	dispCfg := dispatcher.DefaultConfig()
	dispCfg.SkipLateAfterSeconds = cache.SkipLateAfterSeconds()
	disp := dispatcher.New(store, coord, dialer, dispCfg)
	recon := reconciler.New(store, coord, dialer, reconciler.DefaultConfig())
	lt := leadertick.New(store, coord, rdb, cache.LeaderTick())
	reloader := configreload.New(store, coord, dialer, cache, configreload.DefaultConfig())
	collector := metrics.NewCollector(store, coord, rdb)

	stopCoordination := runCoordinationLoop(ctx, coord, runtime, b.CoordinationInterval)

	disp.Start(ctx, activeWorkers)
	recon.Start(ctx, activeWorkers)
	lt.Start(ctx)
	reloader.Start(ctx, activeWorkers)
	collector.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	metrics.RegisterComponent("postgres", true, "")
	metrics.RegisterComponent("redis", true, "")
	metrics.RegisterComponent("rpc", true, "")
	metrics.SetVersion(Version)

	logger.Info().
		Str("worker_id", b.WorkerID).
		Str("node_id", b.NodeID).
		Str("rpc_addr", rpcAddr).
		Bool("tls", serverTLS != nil).
		Msg("scheduler node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	stopCoordination()
	disp.Stop()
	recon.Stop()
	lt.Stop()
	reloader.Stop()
	collector.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = rpcServer.Close()
	coord.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}

// runCoordinationLoop owns the one goroutine allowed to call
// Coordinator.Tick, per its documented concurrency contract. Every other
// component (LeaderTick, Dispatcher, Reconciler, configreload.Reloader)
// reads the role this goroutine last observed via IsLeader/LeaderEpoch
// rather than ticking the coordinator itself.
func runCoordinationLoop(ctx context.Context, coord *coordination.Coordinator, rt *worker.Runtime, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Second
	}
	logger := log.WithComponent("coordination-loop")
	stopCh := make(chan struct{})
	// A Redis outage fails every tick; log at most one failure per 10s.
	errLog := rate.NewLimiter(rate.Every(10*time.Second), 1)

	tick := func() {
		status, err := coord.Tick(ctx, time.Now().UTC())
		if err != nil {
			if errLog.Allow() {
				logger.Error().Err(err).Msg("coordination tick failed")
			}
			return
		}
		rt.SetClusterEpoch(status.ClusterEpoch)
		switch {
		case status.IsLeader:
			rt.SetRole(types.WorkerRoleLeader)
		case status.IsSubleader:
			rt.SetRole(types.WorkerRoleSubleader)
		default:
			rt.SetRole(types.WorkerRoleWorker)
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick()
		for {
			select {
			case <-ticker.C:
				tick()
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
	}
}

// reloadingHandler adapts worker.Runtime to also clear this process's
// config.Cache whenever a ReloadConfig call is accepted, since Runtime
// itself only owns the epoch fencing check and has no knowledge of the
// settings cache.
type reloadingHandler struct {
	*worker.Runtime
	cache *config.Cache
	store storage.Store
}

func (h *reloadingHandler) ReloadConfig(req rpc.ReloadConfigRequest) rpc.ReloadConfigResponse {
	resp := h.Runtime.ReloadConfig(req)
	if resp.OK {
		h.cache.Reload(context.Background(), h.store)
	}
	return resp
}

// clientDialer resolves a worker id to an *rpc.Client via its published
// heartbeat endpoint, caching one client per worker_id:host:port triple so
// repeated calls reuse the same http.Client (and its connection pool)
// instead of redialing every tick.
type clientDialer struct {
	rdb       *redis.Client
	tlsConfig *tls.Config
	timeout   time.Duration

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func newClientDialer(rdb *redis.Client, tlsConfig *tls.Config, timeout time.Duration) *clientDialer {
	return &clientDialer{
		rdb:       rdb,
		tlsConfig: tlsConfig,
		timeout:   timeout,
		clients:   make(map[string]*rpc.Client),
	}
}

func (d *clientDialer) Dial(workerID string) (*rpc.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	host, port, ok, err := coordination.GetWorkerEndpoint(ctx, d.rdb, workerID)
	if err != nil {
		return nil, fmt.Errorf("resolve worker endpoint: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("worker %q has no published rpc endpoint", workerID)
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	d.mu.Lock()
	defer d.mu.Unlock()
	key := workerID + "@" + addr
	if c, found := d.clients[key]; found {
		return c, nil
	}
	c := rpc.NewClient(addr, d.tlsConfig, d.timeout)
	d.clients[key] = c
	return c, nil
}

// buildTLSConfig resolves this process's server and client TLS material.
// Operator-supplied cert/key/CA files take priority. Otherwise, unless
// InsecureRPC is set, it self-issues a worker certificate from the
// cluster's shared root CA (persisted once in Store, reused by every
// node). Both returned configs are nil when InsecureRPC is set.
func buildTLSConfig(b config.Bootstrap, store storage.Store, workerID, nodeID, rpcHost string) (serverTLS, clientTLS *tls.Config, err error) {
	if b.InsecureRPC {
		return nil, nil, nil
	}

	if b.TLSCert != "" && b.TLSKey != "" && b.TLSCAFile != "" {
		cert, err := tls.LoadX509KeyPair(b.TLSCert, b.TLSKey)
		if err != nil {
			return nil, nil, fmt.Errorf("load tls cert/key: %w", err)
		}
		caPEM, err := os.ReadFile(b.TLSCAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, nil, fmt.Errorf("tls ca file %s contains no usable certificate", b.TLSCAFile)
		}
		serverTLS = &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS13,
		}
		clientTLS = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS13,
		}
		return serverTLS, clientTLS, nil
	}

	ca := security.NewCertAuthority(store)
	if loadErr := ca.LoadFromStore(); loadErr != nil {
		if initErr := ca.Initialize(); initErr != nil {
			return nil, nil, fmt.Errorf("initialize cluster ca: %w", initErr)
		}
		if saveErr := ca.SaveToStore(); saveErr != nil {
			return nil, nil, fmt.Errorf("save cluster ca: %w", saveErr)
		}
		// Another node may have initialized and saved a CA between our
		// failed load and our save racing in via the store's
		// upsert-on-conflict semantics; reload so every node converges
		// on whichever CA actually ended up persisted.
		if reloadErr := ca.LoadFromStore(); reloadErr != nil {
			return nil, nil, fmt.Errorf("reload cluster ca after initialize: %w", reloadErr)
		}
	}

	rootDER := ca.GetRootCACert()
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cluster root ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	var dnsNames []string
	var ips []net.IP
	if ip := net.ParseIP(rpcHost); ip != nil {
		ips = append(ips, ip)
	} else if rpcHost != "" && rpcHost != "0.0.0.0" {
		dnsNames = append(dnsNames, rpcHost)
	}
	serverCert, err := ca.IssueWorkerCertificate(nodeID, "worker", dnsNames, ips)
	if err != nil {
		return nil, nil, fmt.Errorf("issue worker certificate: %w", err)
	}
	clientCert, err := ca.IssueClientCertificate(workerID)
	if err != nil {
		return nil, nil, fmt.Errorf("issue client certificate: %w", err)
	}

	serverTLS = &tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
	clientTLS = &tls.Config{
		Certificates: []tls.Certificate{*clientCert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
	return serverTLS, clientTLS, nil
}

// Event ingest admin commands. There is no HTTP ingest endpoint; this
// exposes the same engine for an operator or an external trigger script to
// call directly against the store.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Event ingestion operations",
}

var eventsIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Record an event and create job runs for every listening definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := config.Load(cmd.Root())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log.Init(log.Config{Level: log.Level(b.LogLevel), JSONOutput: b.LogJSON})

		eventType, _ := cmd.Flags().GetString("type")
		payloadStr, _ := cmd.Flags().GetString("payload")
		dedupeKey, _ := cmd.Flags().GetString("dedupe-key")
		if eventType == "" {
			return fmt.Errorf("--type is required")
		}
		payload := json.RawMessage(payloadStr)
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		if !json.Valid(payload) {
			return fmt.Errorf("--payload is not valid JSON")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := storage.Open(ctx, b.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()

		result, err := eventingest.IngestEvent(ctx, store, eventType, payload, dedupeKey)
		if err != nil {
			return fmt.Errorf("ingest event: %w", err)
		}
		if result.Deduplicated {
			fmt.Println("event deduplicated; no job runs created")
			return nil
		}
		fmt.Printf("event %s recorded, %d job run(s) created\n", result.EventID, len(result.JobRunIDs))
		return nil
	},
}

func init() {
	eventsCmd.AddCommand(eventsIngestCmd)
	eventsIngestCmd.Flags().String("type", "", "Event type listening job definitions match against")
	eventsIngestCmd.Flags().String("payload", "{}", "JSON payload recorded with the event")
	eventsIngestCmd.Flags().String("dedupe-key", "", "Optional soft-dedupe key")
}

// Operator-facing certificate bundle commands. The cluster CA itself lives
// encrypted in Store and is never written to disk; these commands export a
// node or CLI identity's certificate to local files so it can be handed to
// tools outside this binary (curl, psql, a debugging sidecar), and report on
// a bundle already on disk.
var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Export and inspect mTLS certificate bundles issued by the cluster CA",
}

var certsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Issue a client certificate from the cluster CA and write it to disk",
	Long: `Export connects to Postgres, loads the cluster's already-initialized
CA, issues (or re-issues) a client certificate for the given identity, and
writes node.crt/node.key/ca.crt under --cert-dir. Run this against a cluster
that has already had at least one "scheduler run" bring the CA into
existence; export does not initialize one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := config.Load(cmd.Root())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log.Init(log.Config{Level: log.Level(b.LogLevel), JSONOutput: b.LogJSON})

		identity, _ := cmd.Flags().GetString("identity")
		certDir, _ := cmd.Flags().GetString("cert-dir")
		if identity == "" {
			return fmt.Errorf("--identity is required")
		}
		if certDir == "" {
			var err error
			certDir, err = security.GetCLICertDir()
			if err != nil {
				return fmt.Errorf("resolve default cert dir: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := storage.Open(ctx, b.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()

		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(b.ClusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}
		ca := security.NewCertAuthority(store)
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("load cluster ca (has a scheduler node run against this store yet?): %w", err)
		}

		cert, err := ca.IssueClientCertificate(identity)
		if err != nil {
			return fmt.Errorf("issue client certificate: %w", err)
		}
		if err := security.SaveCertToFile(cert, certDir); err != nil {
			return fmt.Errorf("save certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
			return fmt.Errorf("save ca certificate: %w", err)
		}

		fmt.Printf("wrote node.crt, node.key, ca.crt for %q to %s\n", identity, certDir)
		if cert.Leaf != nil {
			info := security.GetCertInfo(cert.Leaf)
			infoJSON, _ := json.MarshalIndent(info, "", "  ")
			fmt.Println(string(infoJSON))
		}
		return nil
	},
}

var certsInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report expiry, rotation status, and chain validity for a bundle on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		certDir, _ := cmd.Flags().GetString("cert-dir")
		if certDir == "" {
			var err error
			certDir, err = security.GetCLICertDir()
			if err != nil {
				return fmt.Errorf("resolve default cert dir: %w", err)
			}
		}
		if !security.CertExists(certDir) {
			return fmt.Errorf("no complete certificate bundle (node.crt, node.key, ca.crt) found in %s", certDir)
		}

		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load certificate: %w", err)
		}
		caCert, err := security.LoadCACertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load ca certificate: %w", err)
		}
		if err := security.ValidateCertChain(cert.Leaf, caCert); err != nil {
			fmt.Printf("chain validation failed: %v\n", err)
		} else {
			fmt.Println("chain validation: ok")
		}

		info := security.GetCertInfo(cert.Leaf)
		infoJSON, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(infoJSON))
		fmt.Printf("time remaining: %s\n", security.GetCertTimeRemaining(cert.Leaf))
		if security.CertNeedsRotation(cert.Leaf) {
			fmt.Println("rotation: needed (run \"scheduler certs export\" again)")
		} else {
			fmt.Println("rotation: not yet needed")
		}
		return nil
	},
}

var certsRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete a certificate bundle from disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		certDir, _ := cmd.Flags().GetString("cert-dir")
		if certDir == "" {
			var err error
			certDir, err = security.GetCLICertDir()
			if err != nil {
				return fmt.Errorf("resolve default cert dir: %w", err)
			}
		}
		if err := security.RemoveCerts(certDir); err != nil {
			return fmt.Errorf("remove certs: %w", err)
		}
		fmt.Printf("removed %s\n", certDir)
		return nil
	},
}

func init() {
	certsCmd.AddCommand(certsExportCmd)
	certsCmd.AddCommand(certsInspectCmd)
	certsCmd.AddCommand(certsRemoveCmd)

	certsExportCmd.Flags().String("identity", "", "Client identity the issued certificate authenticates as")
	certsExportCmd.Flags().String("cert-dir", "", "Directory to write node.crt/node.key/ca.crt into (defaults to the CLI cert directory under $HOME)")
	certsInspectCmd.Flags().String("cert-dir", "", "Directory containing node.crt/node.key/ca.crt (defaults to the CLI cert directory under $HOME)")
	certsRemoveCmd.Flags().String("cert-dir", "", "Directory containing the bundle to remove (defaults to the CLI cert directory under $HOME)")
}
