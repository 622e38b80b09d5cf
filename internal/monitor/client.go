package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	api "github.com/haizhouyuan/tmuxagent/internal/http"
)

// Client reads the orchestrator HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// BaseURL returns the API address.
func (c *Client) BaseURL() string { return c.baseURL }

// Status fetches GET /api/v1/status.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.get(ctx, "/api/v1/status", &out)
	return out, err
}

// Branches fetches GET /api/v1/branches.
func (c *Client) Branches(ctx context.Context) ([]api.BranchSummary, error) {
	var out []api.BranchSummary
	err := c.get(ctx, "/api/v1/branches", &out)
	return out, err
}

// Health fetches GET /health. A stale orchestrator answers 503 with a body,
// which is returned without error.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.get(ctx, "/health", &out, http.StatusServiceUnavailable)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any, okCodes ...int) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && !containsCode(okCodes, resp.StatusCode) {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
