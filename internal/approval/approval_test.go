package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haizhouyuan/tmuxagent/internal/natstest"
)

func TestResponse_Normalize(t *testing.T) {
	r := Response{Branch: " feature/api ", Action: " Approved", Command: " make deploy "}.Normalize()
	assert.Equal(t, "feature/api", r.Branch)
	assert.Equal(t, ActionApprove, r.Action)
	assert.Equal(t, "make deploy", r.Command)

	assert.Equal(t, ActionDeny, Response{Action: "reject"}.Normalize().Action)
	assert.Equal(t, ActionClear, Response{Action: "unblock"}.Normalize().Action)
	assert.Equal(t, Action("maybe"), Response{Action: "Maybe"}.Normalize().Action)
}

func TestResponse_Validate(t *testing.T) {
	assert.NoError(t, Response{Branch: "b", Action: ActionClear}.Validate())
	assert.ErrorIs(t, Response{Action: ActionApprove}.Validate(), ErrInvalidResponse)
	assert.ErrorIs(t, Response{Branch: "b", Action: "maybe"}.Validate(), ErrInvalidResponse)
}

func TestResponse_Matches(t *testing.T) {
	assert.True(t, Response{}.Matches("anything"))
	assert.True(t, Response{Command: "make deploy"}.Matches(" make deploy"))
	assert.False(t, Response{Command: "make deploy"}.Matches("make test"))
}

func TestInbox_PushDrain(t *testing.T) {
	in := NewInbox()
	in.now = func() time.Time { return time.Unix(100, 0) }

	require.NoError(t, in.Push(Response{Branch: "a", Action: "yes"}))
	require.NoError(t, in.Push(Response{Branch: "b", Action: ActionDeny, At: time.Unix(5, 0)}))
	assert.Error(t, in.Push(Response{Branch: "c", Action: "bogus"}))
	assert.Equal(t, 2, in.Len())

	got := in.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, ActionApprove, got[0].Action)
	assert.Equal(t, time.Unix(100, 0).UTC(), got[0].At)
	assert.Equal(t, time.Unix(5, 0), got[1].At)
	assert.Empty(t, in.Drain())
}

func TestInbox_Bounded(t *testing.T) {
	in := NewInbox()
	in.limit = 3
	for _, b := range []string{"a", "b", "c", "d"} {
		require.NoError(t, in.Push(Response{Branch: b, Action: ActionApprove}))
	}
	got := in.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Branch)
}

func TestInbox_Concurrent(t *testing.T) {
	in := NewInbox()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = in.Push(Response{Branch: "b", Action: ActionApprove})
		}()
	}
	wg.Wait()
	assert.Len(t, in.Drain(), 50)
}

func TestSubscribePublish(t *testing.T) {
	nc := natstest.Connect(t)
	in := NewInbox()
	sub, err := Subscribe(nc, "orchestrator.approvals", in, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	require.NoError(t, Publish(ctx, nc, "orchestrator.approvals", Response{Branch: "feature/api", Action: ActionApprove, Command: "make deploy"}))
	require.NoError(t, nc.Publish("orchestrator.approvals", []byte("{not json")))
	require.NoError(t, nc.Publish("orchestrator.approvals", []byte(`{"branch":"","action":"approve"}`)))
	assert.ErrorIs(t, Publish(ctx, nc, "orchestrator.approvals", Response{Action: ActionApprove}), ErrInvalidResponse)

	require.Eventually(t, func() bool { return in.Len() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, nc.Flush())
	time.Sleep(50 * time.Millisecond)

	got := in.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "feature/api", got[0].Branch)
	assert.Equal(t, "make deploy", got[0].Command)
	assert.Equal(t, "nats", got[0].Source)
}

func TestPost(t *testing.T) {
	received := make(chan Response, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/approvals", r.URL.Path)
		var resp Response
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&resp))
		received <- resp
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, Post(context.Background(), srv.Client(), srv.URL+"/", Response{Branch: "b", Action: "clear", Source: "cli"}))
	got := <-received
	assert.Equal(t, ActionClear, got.Action)
	assert.Equal(t, "cli", got.Source)
}

func TestPost_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown branch", http.StatusNotFound)
	}))
	defer srv.Close()

	err := Post(context.Background(), nil, srv.URL, Response{Branch: "b", Action: ActionApprove})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown branch")
}
