package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voltask/voltask/internal/model"
)

// schedulerClient is a thin HTTP client over the scheduler's agent-facing
// API. It carries no retry logic of its own — the runtime's poll loops
// already retry on their own cadence, so a failed call here is just a
// missed cycle, not a fatal error.
type schedulerClient struct {
	baseURL string
	http    *http.Client
}

func newSchedulerClient(baseURL string) *schedulerClient {
	return &schedulerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *schedulerClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *schedulerClient) Register(ctx context.Context, agentUID, deviceID string, hardware model.Hardware) error {
	body := map[string]interface{}{
		"agent_uid": agentUID,
		"device_id": deviceID,
		"hardware":  hardware,
	}
	return c.post(ctx, "/v1/agents/register", body, nil)
}

func (c *schedulerClient) Metrics(ctx context.Context, agentUID string, m model.Metrics) error {
	body := map[string]interface{}{"agent_uid": agentUID, "metrics": m}
	return c.post(ctx, "/v1/agents/metrics", body, nil)
}

func (c *schedulerClient) RequestBatch(ctx context.Context, agentUID string, max int) ([]model.TaskEnvelope, error) {
	var resp struct {
		Tasks []model.TaskEnvelope `json:"tasks"`
	}
	body := map[string]interface{}{"agent_uid": agentUID, "max": max}
	if err := c.post(ctx, "/v1/tasks/request_batch", body, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *schedulerClient) Submit(ctx context.Context, envelope model.TaskResultEnvelope) error {
	return c.post(ctx, "/v1/tasks/submit", envelope, nil)
}
