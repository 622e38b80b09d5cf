package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haizhouyuan/tmuxagent/internal/natstest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFileLog_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	log, err := Open(path)
	require.NoError(t, err)
	log.now = func() time.Time { return t0 }

	ctx := context.Background()
	require.NoError(t, log.Record(ctx, Event{Branch: "feature/api", Session: "agent-api", Event: EventDispatched, CommandID: "cmd-1", Payload: map[string]any{"text": "ls"}}))
	require.NoError(t, log.Record(ctx, Event{TS: t0.Add(time.Second), Branch: "feature/api", Event: EventResult}))
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())
	assert.ErrorIs(t, log.Record(ctx, Event{Event: "late"}), os.ErrClosed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "2026-03-01T12:00:00Z", first["ts"])
	assert.Equal(t, "dispatched", first["event"])
	assert.Equal(t, "cmd-1", first["command_id"])
	assert.Equal(t, "ls", first["payload"].(map[string]any)["text"])

	// reopening appends
	log, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Record(ctx, Event{Event: EventReady}))
	require.NoError(t, log.Close())
	events, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestFileLog_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Record(context.Background(), Event{Event: EventQueued, Payload: map[string]any{"text": strings.Repeat("x", 512)}}))
		}()
	}
	wg.Wait()

	events, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

type failingSink struct{}

func (failingSink) Record(context.Context, Event) error { return errors.New("sink down") }

func TestTee(t *testing.T) {
	var buf []Event
	rec := sinkFunc(func(_ context.Context, ev Event) error { buf = append(buf, ev); return nil })
	err := Tee{rec, failingSink{}, Nop{}}.Record(context.Background(), Event{Event: EventStall})
	assert.EqualError(t, err, "sink down")
	assert.Len(t, buf, 1)
}

type sinkFunc func(context.Context, Event) error

func (f sinkFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }

func TestNATSMirror(t *testing.T) {
	nc := natstest.Connect(t)
	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("orchestrator.audit.>", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	m := NewNATSMirror(nc, "orchestrator.audit")
	require.NoError(t, m.Record(context.Background(), Event{Branch: "b", Event: EventQueueOverflow}))

	select {
	case msg := <-ch:
		assert.Equal(t, "orchestrator.audit.queue_overflow", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "b", ev.Branch)
		assert.False(t, ev.TS.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no mirrored event")
	}
}

func TestRead_SkipsMalformed(t *testing.T) {
	input := `{"ts":"2026-03-01T12:00:00Z","event":"queued","branch":"a"}

not json
{"ts":"2026-03-01T12:00:05Z","event":"dispatched","branch":"b"}
`
	events, err := Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Branch)

	assert.Len(t, Filter(events, "a"), 1)
	assert.Len(t, Filter(events, ""), 2)
}

func TestReadFile_Missing(t *testing.T) {
	events, err := ReadFile(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSummarize(t *testing.T) {
	events := []Event{
		{TS: t0, Event: EventQueued, Branch: "b"},
		{TS: t0.Add(1 * time.Second), Event: EventQueued, Branch: "b"},
		{TS: t0.Add(2 * time.Second), Event: EventDispatched, Payload: map[string]any{"text": "make test", "from_queue": true}},
		{TS: t0.Add(3 * time.Second), Event: EventSummary, Payload: map[string]any{"summary": "tests running"}},
		{TS: t0.Add(4 * time.Second), Event: EventPendingConfirmation},
		{TS: t0.Add(5 * time.Second), Event: EventConfirmation},
		{TS: t0.Add(10 * time.Second), Event: ""},
	}
	s := Summarize(events)

	assert.Equal(t, 7, s.Samples)
	assert.Equal(t, 2, s.Counts[EventQueued])
	assert.Equal(t, 1, s.Counts["unknown"])
	assert.Equal(t, "make test", s.LastCommand)
	assert.Equal(t, "tests running", s.LastSummary)
	assert.Equal(t, 2, s.MaxQueueDepth)
	assert.Equal(t, 10*time.Second, s.Duration)
	require.Len(t, s.Recent, RecentSamples)
	assert.Equal(t, EventDispatched, s.Recent[0].Event)
}

func TestSummarize_QueueDepthFromPayload(t *testing.T) {
	s := Summarize([]Event{{Event: EventQueued, Payload: map[string]any{"queue_depth": float64(5)}}})
	assert.Equal(t, 5, s.MaxQueueDepth)
	assert.Zero(t, s.Duration)
}

func TestSummary_Render(t *testing.T) {
	s := Summarize([]Event{
		{TS: t0, Event: EventDispatched, Branch: "b", CommandID: "cmd-1", Payload: map[string]any{"text": "ls"}},
		{TS: t0.Add(time.Minute), Event: EventResult, Branch: "b", CommandID: "cmd-1"},
	})
	var buf bytes.Buffer
	require.NoError(t, s.Render(&buf, "audit.jsonl"))
	out := buf.String()
	assert.Contains(t, out, "Replayed 2 events from audit.jsonl")
	assert.Contains(t, out, "  dispatched: 1")
	assert.Contains(t, out, "Duration: 1m0s")
	assert.Contains(t, out, "Last command: ls")
	assert.NotContains(t, out, "Max queue depth")
}
