package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/natstest"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestLog_LevelsBySeverity(t *testing.T) {
	tl := logging.NewTestLogger()
	n := Log{Logger: tl.Logger}
	ctx := context.Background()

	require.NoError(t, n.Send(ctx, Message{Title: "a", Severity: SeverityCritical}))
	require.NoError(t, n.Send(ctx, Message{Title: "b", Severity: SeverityWarning, Metadata: map[string]string{"branch": "x"}}))
	require.NoError(t, n.Send(ctx, Message{Title: "c"}))

	tl.AssertLogged(t, zapcore.ErrorLevel, "notification")
	tl.AssertLogged(t, zapcore.WarnLevel, "notification")
	tl.AssertLogged(t, zapcore.InfoLevel, "notification")
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	err := Multi{ok, bad}.Send(context.Background(), Message{Title: "t"})
	assert.EqualError(t, err, "down")
	assert.Len(t, ok.msgs, 1)
	assert.Len(t, bad.msgs, 1)
}

func TestBestEffort_SwallowsErrors(t *testing.T) {
	tl := logging.NewTestLogger()
	n := NewBestEffort(&recorder{err: errors.New("boom")}, tl.Logger)
	assert.NoError(t, n.Send(context.Background(), Message{Title: "t"}))
	tl.AssertLogged(t, zapcore.WarnLevel, "notification delivery failed")

	assert.NoError(t, NewBestEffort(nil, nil).Send(context.Background(), Message{}))
}

func TestWebhook_Send(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var m Message
		assert.NoError(t, json.Unmarshal(body, &m))
		received <- m
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, srv.Client()).Send(context.Background(), Message{
		Title: "stall", Body: "feature/api waited 300s", Severity: SeverityWarning,
		Metadata: map[string]string{"branch": "feature/api"},
	})
	require.NoError(t, err)
	got := <-received
	assert.Equal(t, "stall", got.Title)
	assert.Equal(t, SeverityWarning, got.Severity)
	assert.Equal(t, "feature/api", got.Metadata["branch"])
}

func TestWebhook_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, nil).Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNATS_PublishesBySeverity(t *testing.T) {
	nc := natstest.Connect(t)
	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("orchestrator.notify.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	n := NewNATS(nc, "orchestrator.notify")
	require.NoError(t, n.Send(context.Background(), Message{Title: "failure streak", Severity: SeverityCritical}))

	select {
	case m := <-msgs:
		assert.Equal(t, "orchestrator.notify.critical", m.Subject)
		var got Message
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, "failure streak", got.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATS_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewNATS(nil, "x").Send(ctx, Message{})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestThrottle_OneNotificationPerWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(5*time.Minute, 3, clock.now)

	v := th.Observe("feature/api:timeout")
	assert.True(t, v.Notify)
	assert.Equal(t, 1, v.Count)

	clock.advance(10 * time.Second)
	assert.False(t, th.Observe("feature/api:timeout").Notify)
	clock.advance(10 * time.Second)
	v = th.Observe("feature/api:timeout")
	assert.False(t, v.Notify)
	assert.Equal(t, 3, v.Count)

	// other keys are independent
	assert.True(t, th.Observe("feature/api:malformed_output").Notify)
	assert.True(t, th.Observe("feature/db:timeout").Notify)
}

func TestThrottle_SparseOccurrencesWithinBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(5*time.Minute, 3, clock.now)

	assert.True(t, th.Observe("k").Notify)
	clock.advance(4 * time.Minute)
	assert.False(t, th.Observe("k").Notify)
	clock.advance(4 * time.Minute)
	assert.True(t, th.Observe("k").Notify, "third occurrence, a window after the first")
	clock.advance(4 * time.Minute)
	v := th.Observe("k")
	assert.False(t, v.Notify, "past the burst the run stays silent")
	assert.Equal(t, 4, v.Count)
}

func TestThrottle_QuietWindowStartsNewRun(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(5*time.Minute, 1, clock.now)

	assert.True(t, th.Observe("k").Notify)
	clock.advance(time.Minute)
	assert.False(t, th.Observe("k").Notify)
	clock.advance(6 * time.Minute)
	v := th.Observe("k")
	assert.True(t, v.Notify)
	assert.Equal(t, 1, v.Count)

	th.Reset("k")
	assert.True(t, th.Observe("k").Notify)
}

func TestFromConfig(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tl := logging.NewTestLogger()
	n := FromConfig(config.NotifyConfig{WebhookURL: config.Secret(srv.URL)}, nil, tl.Logger)
	require.NoError(t, n.Send(context.Background(), Message{Title: "hello", Severity: SeverityInfo}))
	assert.Equal(t, int32(1), hits.Load())
	tl.AssertLogged(t, zapcore.InfoLevel, "notification")
}
