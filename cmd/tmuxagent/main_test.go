package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// writeConfig writes a minimal config keeping state and audit in dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "orchestrator.yaml")
	content := "store:\n  path: " + filepath.Join(dir, "state.json") + "\n" +
		"audit:\n  path: " + filepath.Join(dir, "audit.jsonl") + "\n" +
		"logging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
		assert.NotEmpty(t, cmd.Short, "command %s should have a short description", cmd.Name())
	}
	for _, want := range []string{"run", "once", "status", "watch", "replay", "approve", "register", "mcp", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	for _, flag := range []string{"config", "dry-run"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing global flag %s", flag)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestRegisterCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, "--config", cfgPath, "register",
		"--branch", "feature/a", "--session", "agent-a",
		"--phases", "planning,build,done", "--depends-on", "feature/base")
	require.NoError(t, err)
	assert.Contains(t, out, "registered feature/a on session agent-a")

	store, err := state.NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	bs, err := store.Get(context.Background(), "feature/a")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", bs.Session)
	assert.Equal(t, "active", bs.Status)
	assert.Equal(t, []string{"planning", "build", "done"}, bs.Metadata.PhasePlan)
	assert.Equal(t, []string{"feature/base"}, bs.Metadata.DependsOn)

	t.Run("local status lists it", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "status", "--local")
		require.NoError(t, err)
		assert.Contains(t, out, "feature/a")
		assert.Contains(t, out, "agent-a")
	})

	t.Run("remove", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "register", "--branch", "feature/a", "--remove")
		require.NoError(t, err)
		assert.Contains(t, out, "removed feature/a")

		require.NoError(t, store.Refresh())
		_, err = store.Get(context.Background(), "feature/a")
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("requires a session", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "register", "--branch", "feature/b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--session is required")
	})
}

func TestReplayCmd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := audit.Open(path)
	require.NoError(t, err)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, log.Record(ctx, audit.Event{TS: ts, Branch: "feature/a", Event: audit.EventDispatched,
		CommandID: "c1", Payload: map[string]any{"text": "make test"}}))
	require.NoError(t, log.Record(ctx, audit.Event{TS: ts.Add(time.Minute), Branch: "feature/b", Event: audit.EventStall}))
	require.NoError(t, log.Close())

	out, err := execute(t, "replay", "--audit", path, "--branch", "feature/a")
	require.NoError(t, err)
	assert.Contains(t, out, "Replayed 1 events from "+path+" (feature/a)")
	assert.Contains(t, out, "Last command: make test")
	assert.NotContains(t, out, "stall")

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "replay", "--audit", path, "--json")
		require.NoError(t, err)
		var summary audit.Summary
		require.NoError(t, json.Unmarshal([]byte(out), &summary))
		assert.Equal(t, 2, summary.Samples)
		assert.Equal(t, 1, summary.Counts[audit.EventStall])
	})
}

func TestApproveCmd_HTTP(t *testing.T) {
	var got approval.Response
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/approvals", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cfgPath := writeConfig(t, t.TempDir())
	out, err := execute(t, "--config", cfgPath, "approve", "feature/a", "no",
		"--command", "git push --force", "--via", "http", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "sent deny for feature/a")
	assert.Equal(t, approval.ActionDeny, got.Action)
	assert.Equal(t, "git push --force", got.Command)
	assert.Equal(t, "cli", got.Source)

	t.Run("rejects unknown actions", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "approve", "feature/a", "maybe", "--via", "http", "--server", ts.URL)
		require.Error(t, err)
	})

	t.Run("rejects unknown transports", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "approve", "feature/a", "--via", "carrier-pigeon")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--via must be nats or http")
	})
}
