package rpc

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeHandler struct {
	lastStartReq StartJobRequest
}

func (f *fakeHandler) Ping(req PingRequest) PingResponse {
	return PingResponse{WorkerID: "w1", NodeID: "n1", ObservedLeaderEpoch: req.LeaderEpoch, NowUnixMs: 1}
}

func (f *fakeHandler) GetStatus(req GetStatusRequest) GetStatusResponse {
	return GetStatusResponse{WorkerID: "w1", Role: "worker", ObservedLeaderEpoch: req.LeaderEpoch}
}

func (f *fakeHandler) StartJob(req StartJobRequest) StartJobResponse {
	f.lastStartReq = req
	if req.CommandName == "" {
		return StartJobResponse{Result: StartJobRejectedInvalid, Message: "invalid command_name"}
	}
	return StartJobResponse{Result: StartJobAccepted, Message: "accepted"}
}

func (f *fakeHandler) CancelJob(req CancelJobRequest) CancelJobResponse {
	return CancelJobResponse{Result: CancelJobNotFound, Message: "not running"}
}

func (f *fakeHandler) Drain(req DrainRequest) DrainResponse {
	return DrainResponse{Draining: req.Enable}
}

func (f *fakeHandler) ReloadConfig(req ReloadConfigRequest) ReloadConfigResponse {
	return ReloadConfigResponse{OK: true, Message: "reloaded", CacheGeneration: 1}
}

// newTestServer builds a Server and returns a plaintext httptest.Server
// wrapping the same mux, to exercise routing/marshaling without standing up
// real mTLS (covered separately by pkg/security's certificate tests).
func newTestServer(h Handler) (*httptest.Server, *Client) {
	s := NewServer("unused", h, nil)
	ts := httptest.NewServer(s.httpServer.Handler)
	c := &Client{baseURL: ts.URL, httpClient: ts.Client()}
	return ts, c
}

func TestServerClientPing(t *testing.T) {
	ts, c := newTestServer(&fakeHandler{})
	defer ts.Close()

	resp, err := c.Ping(context.Background(), PingRequest{CallerRole: "leader", LeaderEpoch: 7})
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if resp.WorkerID != "w1" || resp.ObservedLeaderEpoch != 7 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestServerClientStartJobRejectsInvalid(t *testing.T) {
	ts, c := newTestServer(&fakeHandler{})
	defer ts.Close()

	resp, err := c.StartJob(context.Background(), StartJobRequest{JobRunID: "r1"})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if resp.Result != StartJobRejectedInvalid {
		t.Errorf("got result %s, want %s", resp.Result, StartJobRejectedInvalid)
	}
}

func TestServerClientStartJobAccepted(t *testing.T) {
	ts, c := newTestServer(&fakeHandler{})
	defer ts.Close()

	resp, err := c.StartJob(context.Background(), StartJobRequest{JobRunID: "r1", CommandName: "do_thing", LeaderEpoch: 3})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if resp.Result != StartJobAccepted {
		t.Errorf("got result %s, want %s", resp.Result, StartJobAccepted)
	}
}

func TestClientContextTimeout(t *testing.T) {
	ts, c := newTestServer(&fakeHandler{})
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	if _, err := c.Ping(ctx, PingRequest{}); err == nil {
		t.Error("expected context deadline error")
	}
}
