package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/haizhouyuan/tmuxagent/internal/http"
)

func newAPIStub(t *testing.T, healthCode int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(healthCode)
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: map[int]string{200: "ok", 503: "stale"}[healthCode], Cycle: 3})
	})
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.StatusResponse{Status: "ok", State: "idle", Cycle: 3,
			Counts: api.BranchCounts{Total: 2, Active: 1, Done: 1, Held: 1}})
	})
	mux.HandleFunc("/api/v1/branches", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]api.BranchSummary{
			{Branch: "feature/a", Session: "agent-a", Phase: "build", Held: 1, Queued: 2},
			{Branch: "feature/b", Status: "done"},
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_Reads(t *testing.T) {
	ts := newAPIStub(t, http.StatusOK)
	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Counts.Total)

	branches, err := c.Branches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "feature/a", branches[0].Branch)
}

func TestClient_StaleHealthIsNotAnError(t *testing.T) {
	ts := newAPIStub(t, http.StatusServiceUnavailable)
	health, err := NewClient(ts.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stale", health.Status)
}

func TestClient_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	_, err := NewClient(ts.URL).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 404")
}

func TestFetchSnapshot(t *testing.T) {
	ts := newAPIStub(t, http.StatusOK)
	msg := fetchSnapshot(NewClient(ts.URL))()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint64(3), snap.Status.Cycle)
	assert.Len(t, snap.Branches, 2)
}
