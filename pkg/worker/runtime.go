package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/metrics"
	"github.com/cuemby/scheduler/pkg/rpc"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

const (
	sampleInterval  = 500 * time.Millisecond
	terminateGrace  = 5 * time.Second
	errorSummaryMax = 2000
)

// Config wires a Runtime to its dependencies. LogsDir holds one log file
// per run attempt; Archiver may be nil to disable S3 upload.
type Config struct {
	WorkerID string
	NodeID   string

	Store    storage.Store
	Commands CommandResolver
	LogsDir  string
	Archiver *LogArchiver
	Logger   zerolog.Logger

	LocalLogPolicy LocalLogPolicy
}

// Runtime is the worker-side RPC handler: it accepts StartJob/CancelJob/
// Drain/Ping/GetStatus/ReloadConfig and supervises at most one job
// subprocess at a time. All mutable fields are guarded by mu; proc is set
// for the duration of one job and cleared once its supervision goroutine
// finishes writing the terminal state.
type Runtime struct {
	workerID string
	nodeID   string

	store    storage.Store
	commands CommandResolver
	logsDir  string
	archiver *LogArchiver
	logger   zerolog.Logger
	logPolicy LocalLogPolicy

	mu                  sync.Mutex
	role                types.WorkerRole
	clusterEpoch        int64
	detached            bool
	draining            bool
	lastHeartbeatUnixMs int64

	proc                *os.Process
	procJobRunID        string
	procLogPath         string
	procCancelRequested bool
	procCancelReason    string
}

// NewRuntime builds a Runtime from cfg. Its logger is always a component
// logger derived from the package-level log configuration; cfg.Logger is
// not used.
func NewRuntime(cfg Config) *Runtime {
	logger := log.WithComponent("worker-runtime").With().Str("worker_id", cfg.WorkerID).Logger()

	return &Runtime{
		workerID:  cfg.WorkerID,
		nodeID:    cfg.NodeID,
		store:     cfg.Store,
		commands:  cfg.Commands,
		logsDir:   cfg.LogsDir,
		archiver:  cfg.Archiver,
		logger:    logger,
		logPolicy: cfg.LocalLogPolicy,
		role:      types.WorkerRoleWorker,
	}
}

// SetClusterEpoch updates the epoch this worker uses to reject stale
// StartJob/CancelJob/ReloadConfig calls. cmd/scheduler's coordination loop
// calls this after every successful Coordinator.Tick.
func (r *Runtime) SetClusterEpoch(epoch int64) {
	r.mu.Lock()
	r.clusterEpoch = epoch
	r.mu.Unlock()
}

// SetRole updates the role reported by GetStatus and used by the leader's
// load picker.
func (r *Runtime) SetRole(role types.WorkerRole) {
	r.mu.Lock()
	r.role = role
	r.mu.Unlock()
}

// SetDetached marks the worker as refusing new job starts without
// otherwise changing its heartbeat participation (used when local health
// checks fail, e.g. disk pressure).
func (r *Runtime) SetDetached(detached bool) {
	r.mu.Lock()
	r.detached = detached
	r.mu.Unlock()
}

// Ping answers a liveness probe with the worker's identity and observed
// epoch.
func (r *Runtime) Ping(req rpc.PingRequest) rpc.PingResponse {
	r.mu.Lock()
	epoch := r.clusterEpoch
	r.mu.Unlock()
	return rpc.PingResponse{
		WorkerID:            r.workerID,
		NodeID:              r.nodeID,
		ObservedLeaderEpoch: epoch,
		NowUnixMs:           time.Now().UnixMilli(),
	}
}

// GetStatus reports the worker's current role, draining/detached state,
// and the job run it is actively supervising, if any.
func (r *Runtime) GetStatus(req rpc.GetStatusRequest) rpc.GetStatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	load := 0
	if r.proc != nil {
		load = 1
	}
	return rpc.GetStatusResponse{
		WorkerID:            r.workerID,
		NodeID:              r.nodeID,
		Role:                string(r.role),
		Detached:            r.detached,
		Draining:            r.draining,
		Load:                load,
		CurrentJobRunID:     r.procJobRunID,
		ObservedLeaderEpoch: r.clusterEpoch,
		LastHeartbeatUnixMs: r.lastHeartbeatUnixMs,
	}
}

// Drain toggles whether this worker accepts new StartJob calls. It does
// not persist anything and does not affect a job already running.
func (r *Runtime) Drain(req rpc.DrainRequest) rpc.DrainResponse {
	r.mu.Lock()
	r.draining = req.Enable
	draining := r.draining
	r.mu.Unlock()
	return rpc.DrainResponse{Draining: draining}
}

// ReloadConfig is epoch-fenced the same way StartJob is; it returns a
// monotonic cache generation so the caller (ConfigReloader) can tell two
// reloads apart without comparing contents.
func (r *Runtime) ReloadConfig(req rpc.ReloadConfigRequest) rpc.ReloadConfigResponse {
	r.mu.Lock()
	stale := req.LeaderEpoch < r.clusterEpoch
	r.mu.Unlock()
	if stale {
		return rpc.ReloadConfigResponse{OK: false, Message: "stale leader epoch"}
	}
	return rpc.ReloadConfigResponse{OK: true, Message: "reloaded", CacheGeneration: time.Now().UnixNano()}
}

// StartJob validates the request, marks the run RUNNING, spawns the
// command as a child process, and returns immediately once the process has
// started; supervision, resource sampling, and the terminal write happen
// in a background goroutine.
func (r *Runtime) StartJob(req rpc.StartJobRequest) rpc.StartJobResponse {
	r.mu.Lock()
	epoch := r.clusterEpoch
	detached := r.detached
	draining := r.draining
	busy := r.proc != nil
	r.mu.Unlock()

	if req.LeaderEpoch < epoch {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedOldEpoch, Message: "stale leader epoch"}
	}
	if detached {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedDetached, Message: "worker is detached"}
	}
	if draining {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedDraining, Message: "worker is draining"}
	}
	if busy {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedAlreadyRunning, Message: "a job is already running on this worker"}
	}
	if req.JobRunID == "" || req.CommandName == "" {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "job_run_id and command_name are required"}
	}

	argsJSON := req.ArgsJSON
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var parsedArgs any
	if err := json.Unmarshal([]byte(argsJSON), &parsedArgs); err != nil {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "args_json must be valid JSON"}
	}
	switch parsedArgs.(type) {
	case map[string]any, []any:
	default:
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "args_json must be object or array"}
	}

	cmdPath, err := r.commands.Resolve(req.CommandName)
	if err != nil {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: err.Error()}
	}

	logPath := r.logPath(req.JobRunID, req.Attempt)
	ctx := context.Background()
	ok, err := r.store.MarkRunning(ctx, storage.MarkRunningInput{
		JobRunID:    req.JobRunID,
		WorkerID:    r.workerID,
		LeaderEpoch: req.LeaderEpoch,
		Attempt:     req.Attempt,
		LogRef:      logPath,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("job_run_id", req.JobRunID).Msg("mark_running failed")
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "failed to mark job run running"}
	}
	if !ok {
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "job run is not eligible to start"}
	}

	if err := os.MkdirAll(r.logsDir, 0o755); err != nil {
		r.finishStartupFailure(ctx, req.JobRunID, logPath, fmt.Sprintf("failed to create log directory: %v", err))
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "failed to create log directory"}
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		r.finishStartupFailure(ctx, req.JobRunID, logPath, fmt.Sprintf("failed to open log file: %v", err))
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "failed to open log file"}
	}

	cmd := exec.Command(cmdPath)
	cmd.Env = append(os.Environ(),
		"SCHEDULER_ARGS_JSON="+argsJSON,
		"SCHEDULER_JOB_RUN_ID="+req.JobRunID,
		"SCHEDULER_WORKER_ID="+r.workerID,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		r.finishStartupFailure(ctx, req.JobRunID, logPath, fmt.Sprintf("failed to start process: %v", err))
		return rpc.StartJobResponse{Result: rpc.StartJobRejectedInvalid, Message: "failed to start process"}
	}

	var deadline *time.Time
	if req.TimeoutSeconds > 0 {
		d := time.Now().Add(time.Duration(req.TimeoutSeconds) * time.Second)
		deadline = &d
	}

	r.mu.Lock()
	r.proc = cmd.Process
	r.procJobRunID = req.JobRunID
	r.procLogPath = logPath
	r.procCancelRequested = false
	r.procCancelReason = ""
	r.mu.Unlock()

	go r.supervise(cmd, req.JobRunID, logFile, logPath, deadline, time.Now())

	return rpc.StartJobResponse{Result: rpc.StartJobAccepted, Message: "accepted"}
}

// CancelJob requests termination of the run currently occupying the
// worker, if it matches req.JobRunID. The actual kill and terminal write
// happen asynchronously in the supervision goroutine; CancelJob only flips
// the flag it polls.
func (r *Runtime) CancelJob(req rpc.CancelJobRequest) rpc.CancelJobResponse {
	r.mu.Lock()
	if req.LeaderEpoch < r.clusterEpoch {
		r.mu.Unlock()
		return rpc.CancelJobResponse{Result: rpc.CancelJobRejectedOldEpoch, Message: "stale leader epoch"}
	}
	matches := r.proc != nil && r.procJobRunID == req.JobRunID
	if matches {
		r.procCancelRequested = true
		r.procCancelReason = req.Reason
	}
	r.mu.Unlock()

	if !matches {
		return rpc.CancelJobResponse{Result: rpc.CancelJobNotFound, Message: "no matching running job on this worker"}
	}
	return rpc.CancelJobResponse{Result: rpc.CancelJobAccepted, Message: "cancellation requested"}
}

func (r *Runtime) logPath(jobRunID string, attempt int) string {
	return filepath.Join(r.logsDir, fmt.Sprintf("jobrun_%s_%d.log", jobRunID, attempt))
}

// finishStartupFailure writes a FAILED terminal state for a run that never
// made it to a spawned process (log file, MkdirAll, or process start
// failure after MarkRunning already succeeded).
func (r *Runtime) finishStartupFailure(ctx context.Context, jobRunID, logPath, reason string) {
	if err := r.store.FinishRun(ctx, storage.FinishRunInput{
		JobRunID:     jobRunID,
		WorkerID:     r.workerID,
		FinalState:   types.JobRunFailed,
		ErrorSummary: truncateSummary(reason),
		LogRef:       logPath,
	}); err != nil {
		r.logger.Error().Err(err).Str("job_run_id", jobRunID).Msg("failed to finish run after startup failure")
	}
	metrics.WorkerJobOutcomesTotal.WithLabelValues(string(types.JobRunFailed)).Inc()
}

// supervise owns the full lifecycle of one spawned child: it samples
// resource usage on a fixed interval, watches for a cancellation request or
// timeout deadline, drives the terminate-then-kill sequence with a grace
// period, classifies the outcome, optionally archives the log, and writes
// the terminal state.
//
// The child is deliberately started with exec.Command rather than
// exec.CommandContext: this loop owns the SIGTERM/SIGKILL sequence
// directly so it can tell TIMED_OUT apart from CANCELED and still take a
// final resource sample before the process exits.
func (r *Runtime) supervise(cmd *exec.Cmd, jobRunID string, logFile *os.File, logPath string, deadline *time.Time, startedAt time.Time) {
	defer logFile.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	var sample resourceSample
	var peakRSS int64
	var timedOut, canceled bool
	var killAt *time.Time

	for {
		select {
		case waitErr := <-waitCh:
			r.finalize(jobRunID, logPath, waitErr, sample, peakRSS, timedOut, canceled, startedAt)
			return
		case <-ticker.C:
			if s, err := collectProcessTreeCounters(int32(cmd.Process.Pid)); err == nil {
				sample = s
				if s.RSSBytes > peakRSS {
					peakRSS = s.RSSBytes
				}
			}

			r.mu.Lock()
			cancelRequested := r.procCancelRequested
			r.mu.Unlock()

			now := time.Now()
			switch {
			case cancelRequested && !canceled:
				canceled = true
				_ = cmd.Process.Signal(syscall.SIGTERM)
				t := now.Add(terminateGrace)
				killAt = &t
			case deadline != nil && !timedOut && now.After(*deadline):
				timedOut = true
				_ = cmd.Process.Signal(syscall.SIGTERM)
				t := now.Add(terminateGrace)
				killAt = &t
			case killAt != nil && now.After(*killAt):
				_ = cmd.Process.Kill()
				killAt = nil
			}
		}
	}
}

func (r *Runtime) finalize(jobRunID, logPath string, waitErr error, sample resourceSample, peakRSS int64, timedOut, canceled bool, startedAt time.Time) {
	r.mu.Lock()
	reason := r.procCancelReason
	r.mu.Unlock()

	var finalState types.JobRunState
	var summary string
	var exitCode *int

	switch {
	case timedOut:
		finalState = types.JobRunTimedOut
		summary = "run exceeded its timeout and was terminated"
	case canceled:
		finalState = types.JobRunCanceled
		if reason != "" {
			summary = reason
		} else {
			summary = "canceled by operator request"
		}
	default:
		code := exitCodeFromWaitErr(waitErr)
		exitCode = &code
		if code == 0 {
			finalState = types.JobRunSucceeded
		} else {
			finalState = types.JobRunFailed
			summary = fmt.Sprintf("exit_code=%d", code)
		}
	}

	ref := logPath
	if r.archiver != nil {
		uploaded, err := r.archiver.Archive(context.Background(), jobRunID, logPath)
		if err != nil {
			summary = appendReason(summary, fmt.Sprintf("log archival failed: %v", err))
		} else if uploaded != "" {
			ref = uploaded
		}
	}

	cpu := sample.CPUSeconds
	peak := peakRSS
	ioR := sample.IOReadBytes
	ioW := sample.IOWriteBytes

	if err := r.store.FinishRun(context.Background(), storage.FinishRunInput{
		JobRunID:     jobRunID,
		WorkerID:     r.workerID,
		FinalState:   finalState,
		ExitCode:     exitCode,
		ErrorSummary: truncateSummary(summary),
		LogRef:       ref,
		CPUSeconds:   &cpu,
		PeakRSS:      &peak,
		IOReadBytes:  &ioR,
		IOWriteBytes: &ioW,
	}); err != nil {
		r.logger.Error().Err(err).Str("job_run_id", jobRunID).Msg("failed to finish run")
	}

	metrics.WorkerJobOutcomesTotal.WithLabelValues(string(finalState)).Inc()
	metrics.WorkerJobDuration.Observe(time.Since(startedAt).Seconds())

	r.mu.Lock()
	r.proc = nil
	r.procJobRunID = ""
	r.procLogPath = ""
	r.procCancelRequested = false
	r.procCancelReason = ""
	r.mu.Unlock()

	if removed, err := cleanupOldLocalLogs(r.logsDir, r.logPolicy, time.Now()); err != nil {
		r.logger.Warn().Err(err).Msg("local log cleanup failed")
	} else if removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("swept expired local job logs")
	}
}

func appendReason(summary, extra string) string {
	if summary == "" {
		return extra
	}
	return summary + "; " + extra
}

func truncateSummary(s string) string {
	if len(s) <= errorSummaryMax {
		return s
	}
	return s[:errorSummaryMax]
}

// exitCodeFromWaitErr extracts a process exit code from the error returned
// by cmd.Wait(). A nil error means the process exited 0; an ExitError gives
// its ExitCode(), which is -1 for a process killed by signal; any other
// error is reported as exit code 1.
func exitCodeFromWaitErr(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
