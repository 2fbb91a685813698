// Package rpc implements the mutually authenticated control channel between
// the leader/subleader and every worker: a small JSON-over-HTTPS protocol
// carrying Ping, GetStatus, StartJob, CancelJob, Drain, and ReloadConfig.
//
// TLS is mutual: both the dialing leader and the listening worker present a
// certificate issued by the cluster's security.CertAuthority, and each side
// verifies the other's against the same root. There is no code generation
// step here by design — a hand-rolled JSON envelope keeps the wire format
// inspectable without a protoc toolchain.
package rpc

// StartJobResult is the worker's verdict on a StartJob request.
type StartJobResult string

const (
	StartJobAccepted               StartJobResult = "ACCEPTED"
	StartJobRejectedOldEpoch       StartJobResult = "REJECTED_OLD_EPOCH"
	StartJobRejectedDetached       StartJobResult = "REJECTED_DETACHED"
	StartJobRejectedDraining       StartJobResult = "REJECTED_DRAINING"
	StartJobRejectedAlreadyRunning StartJobResult = "REJECTED_ALREADY_RUNNING"
	StartJobRejectedInvalid        StartJobResult = "REJECTED_INVALID"
)

// CancelJobResult is the worker's verdict on a CancelJob request.
type CancelJobResult string

const (
	CancelJobAccepted         CancelJobResult = "ACCEPTED"
	CancelJobNotFound         CancelJobResult = "NOT_FOUND"
	CancelJobRejectedOldEpoch CancelJobResult = "REJECTED_OLD_EPOCH"
)

type PingRequest struct {
	CallerRole  string `json:"caller_role"`
	LeaderEpoch int64  `json:"leader_epoch"`
}

type PingResponse struct {
	WorkerID            string `json:"worker_id"`
	NodeID              string `json:"node_id"`
	ObservedLeaderEpoch int64  `json:"observed_leader_epoch"`
	NowUnixMs           int64  `json:"now_unix_ms"`
}

type GetStatusRequest struct {
	LeaderEpoch int64 `json:"leader_epoch"`
}

type GetStatusResponse struct {
	WorkerID            string `json:"worker_id"`
	NodeID              string `json:"node_id"`
	Role                string `json:"role"`
	Detached            bool   `json:"detached"`
	Draining            bool   `json:"draining"`
	Load                int    `json:"load"`
	CurrentJobRunID     string `json:"current_job_run_id"`
	ObservedLeaderEpoch int64  `json:"observed_leader_epoch"`
	LastHeartbeatUnixMs int64  `json:"last_heartbeat_unix_ms"`
}

type StartJobRequest struct {
	LeaderEpoch    int64  `json:"leader_epoch"`
	JobRunID       string `json:"job_run_id"`
	CommandName    string `json:"command_name"`
	ArgsJSON       string `json:"args_json"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Attempt        int    `json:"attempt"`
}

type StartJobResponse struct {
	Result  StartJobResult `json:"result"`
	Message string         `json:"message"`
}

type CancelJobRequest struct {
	LeaderEpoch int64  `json:"leader_epoch"`
	JobRunID    string `json:"job_run_id"`
	Reason      string `json:"reason"`
}

type CancelJobResponse struct {
	Result  CancelJobResult `json:"result"`
	Message string          `json:"message"`
}

type DrainRequest struct {
	Enable bool `json:"enable"`
}

type DrainResponse struct {
	Draining bool `json:"draining"`
}

type ReloadConfigRequest struct {
	LeaderEpoch int64  `json:"leader_epoch"`
	RequestedBy string `json:"requested_by"`
}

type ReloadConfigResponse struct {
	OK              bool   `json:"ok"`
	Message         string `json:"message"`
	CacheGeneration int64  `json:"cache_generation"`
}

// Handler is implemented by the WorkerRuntime; Server dispatches each route
// to the matching method.
type Handler interface {
	Ping(req PingRequest) PingResponse
	GetStatus(req GetStatusRequest) GetStatusResponse
	StartJob(req StartJobRequest) StartJobResponse
	CancelJob(req CancelJobRequest) CancelJobResponse
	Drain(req DrainRequest) DrainResponse
	ReloadConfig(req ReloadConfigRequest) ReloadConfigResponse
}
