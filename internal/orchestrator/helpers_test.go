package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/notify"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) *state.FileStore {
	t.Helper()
	s, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s state.Store, branch string, fn func(bs *state.BranchState)) {
	t.Helper()
	_, err := s.Update(context.Background(), branch, func(bs *state.BranchState) error {
		fn(bs)
		return nil
	})
	require.NoError(t, err)
}

func mustGet(t *testing.T, s state.Store, branch string) *state.BranchState {
	t.Helper()
	bs, err := s.Get(context.Background(), branch)
	require.NoError(t, err)
	return bs
}

// memSink keeps audit events in memory.
type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memSink) Record(_ context.Context, ev audit.Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memSink) Named(event string) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, ev := range m.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

// memNotifier keeps sent messages in memory.
type memNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (m *memNotifier) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

func (m *memNotifier) Messages() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.msgs...)
}
