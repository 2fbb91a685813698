package rpc

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/metrics"
)

// Server exposes a Handler over mTLS-protected HTTPS. Each RPC is a POST to
// /rpc/<Name>: /rpc/Ping, /rpc/GetStatus, /rpc/StartJob, /rpc/CancelJob,
// /rpc/Drain, /rpc/ReloadConfig.
type Server struct {
	httpServer *http.Server
	tls        bool
	logger     zerolog.Logger
}

// NewServer wires handler behind an http.Server configured for mutual TLS:
// tlsConfig must already require and verify client certificates (see
// pkg/security for the CA plumbing that builds it). A nil tlsConfig serves
// plain HTTP, for deployments with no configured credentials.
func NewServer(addr string, handler Handler, tlsConfig *tls.Config) *Server {
	mux := http.NewServeMux()
	logger := log.WithComponent("rpc-server")

	route(mux, "/rpc/Ping", "Ping", logger, func(body []byte) (any, error) {
		var req PingRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return handler.Ping(req), nil
	})
	route(mux, "/rpc/GetStatus", "GetStatus", logger, func(body []byte) (any, error) {
		var req GetStatusRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return handler.GetStatus(req), nil
	})
	route(mux, "/rpc/StartJob", "StartJob", logger, func(body []byte) (any, error) {
		var req StartJobRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return handler.StartJob(req), nil
	})
	route(mux, "/rpc/CancelJob", "CancelJob", logger, func(body []byte) (any, error) {
		var req CancelJobRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return handler.CancelJob(req), nil
	})
	route(mux, "/rpc/Drain", "Drain", logger, func(body []byte) (any, error) {
		var req DrainRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return handler.Drain(req), nil
	})
	route(mux, "/rpc/ReloadConfig", "ReloadConfig", logger, func(body []byte) (any, error) {
		var req ReloadConfigRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return handler.ReloadConfig(req), nil
	})

	// net/http has no worker-pool cap of its own: at most
	// maxConcurrentHandlers RPCs are handled at once and the rest wait.
	const maxConcurrentHandlers = 16
	sem := make(chan struct{}, maxConcurrentHandlers)
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
		case <-r.Context().Done():
			return
		}
		defer func() { <-sem }()
		mux.ServeHTTP(w, r)
	})

	return &Server{
		logger: logger,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           limited,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 5 * time.Second,
		},
		tls: tlsConfig != nil,
	}
}

// Serve starts serving, over mTLS if NewServer was given a tlsConfig and
// plain HTTP otherwise.
func (s *Server) Serve() error {
	if s.tls {
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Close() error { return s.httpServer.Close() }

func route(mux *http.ServeMux, path, method string, logger zerolog.Logger, fn func(body []byte) (any, error)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			metrics.RPCRequestsTotal.WithLabelValues(method, "error").Inc()
			return
		}
		resp, err := fn(body)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("rpc request rejected")
			http.Error(w, err.Error(), http.StatusBadRequest)
			metrics.RPCRequestsTotal.WithLabelValues(method, "error").Inc()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("failed to encode rpc response")
		}
		metrics.RPCRequestsTotal.WithLabelValues(method, "ok").Inc()
	})
}
