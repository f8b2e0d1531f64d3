package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// apiClient is the scheduler-facing surface the control loop depends
// on. The production implementation is httpClient; tests substitute a
// fake so the state machine can be exercised without a live server.
type apiClient interface {
	Heartbeat(ctx context.Context, req heartbeatRequest) (heartbeatResponse, error)
	Register(ctx context.Context, req registerRequest) (registerResponse, error)
	ReportMetrics(ctx context.Context, req metricsRequest) (metricsResponse, error)
	RequestBatch(ctx context.Context, req requestBatchRequest) (requestBatchResponse, error)
	Submit(ctx context.Context, req submitRequest) (submitResponse, error)
}

// httpClient is the real apiClient, talking JSON-over-HTTP to the
// scheduler per the external interface contract.
type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string) *httpClient {
	return &httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *httpClient) Heartbeat(ctx context.Context, req heartbeatRequest) (heartbeatResponse, error) {
	var resp heartbeatResponse
	err := c.postJSON(ctx, "/heartbeat", req, &resp)
	return resp, err
}

func (c *httpClient) Register(ctx context.Context, req registerRequest) (registerResponse, error) {
	var resp registerResponse
	err := c.postJSON(ctx, "/agents/register", req, &resp)
	return resp, err
}

func (c *httpClient) ReportMetrics(ctx context.Context, req metricsRequest) (metricsResponse, error) {
	var resp metricsResponse
	err := c.postJSON(ctx, "/agents/metrics", req, &resp)
	return resp, err
}

func (c *httpClient) RequestBatch(ctx context.Context, req requestBatchRequest) (requestBatchResponse, error) {
	var resp requestBatchResponse
	err := c.postJSON(ctx, "/tasks/request_batch", req, &resp)
	return resp, err
}

func (c *httpClient) Submit(ctx context.Context, req submitRequest) (submitResponse, error) {
	var resp submitResponse
	err := c.postJSON(ctx, "/tasks/submit", req, &resp)
	return resp, err
}

func (c *httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("scheduler returned status %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
