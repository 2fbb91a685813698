package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls a single worker's RPC endpoint over mTLS, or over plain HTTP
// when built without a TLS config.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a Client targeting addr ("host:port"). tlsConfig must
// present this caller's client certificate and trust the cluster root; a
// nil tlsConfig dials plain HTTP, matching a Server built without one.
func NewClient(addr string, tlsConfig *tls.Config, timeout time.Duration) *Client {
	scheme := "https://"
	if tlsConfig == nil {
		scheme = "http://"
	}
	return &Client{
		baseURL: scheme + addr,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}
}

func call[Req, Resp any](ctx context.Context, c *Client, path string, req Req) (Resp, error) {
	var zero Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return zero, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("rpc: %s returned status %d", path, resp.StatusCode)
	}
	var out Resp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, err
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context, req PingRequest) (PingResponse, error) {
	return call[PingRequest, PingResponse](ctx, c, "/rpc/Ping", req)
}

func (c *Client) GetStatus(ctx context.Context, req GetStatusRequest) (GetStatusResponse, error) {
	return call[GetStatusRequest, GetStatusResponse](ctx, c, "/rpc/GetStatus", req)
}

func (c *Client) StartJob(ctx context.Context, req StartJobRequest) (StartJobResponse, error) {
	return call[StartJobRequest, StartJobResponse](ctx, c, "/rpc/StartJob", req)
}

func (c *Client) CancelJob(ctx context.Context, req CancelJobRequest) (CancelJobResponse, error) {
	return call[CancelJobRequest, CancelJobResponse](ctx, c, "/rpc/CancelJob", req)
}

func (c *Client) Drain(ctx context.Context, req DrainRequest) (DrainResponse, error) {
	return call[DrainRequest, DrainResponse](ctx, c, "/rpc/Drain", req)
}

func (c *Client) ReloadConfig(ctx context.Context, req ReloadConfigRequest) (ReloadConfigResponse, error) {
	return call[ReloadConfigRequest, ReloadConfigResponse](ctx, c, "/rpc/ReloadConfig", req)
}
