package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle decides whether a repeated event should notify.
//
// Occurrences of one key form a run while they arrive less than a window
// apart. Within a run at most one notification is let through per window,
// and only the first burst occurrences are eligible at all; later ones stay
// silent until the run ends.
type Throttle struct {
	window time.Duration
	burst  int
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*throttleState
}

type throttleState struct {
	limiter *rate.Limiter
	count   int
	last    time.Time
}

// Verdict is the outcome of one occurrence.
type Verdict struct {
	Notify bool
	// Count is the occurrence number within the current run.
	Count int
}

// NewThrottle returns a throttle. A nil now uses time.Now.
func NewThrottle(window time.Duration, burst int, now func() time.Time) *Throttle {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if burst < 1 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Throttle{window: window, burst: burst, now: now, keys: make(map[string]*throttleState)}
}

// Observe records one occurrence of key.
func (t *Throttle) Observe(key string) Verdict {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.keys[key]
	if !ok || now.Sub(st.last) >= t.window {
		st = &throttleState{limiter: rate.NewLimiter(rate.Every(t.window), 1)}
		t.keys[key] = st
	}
	st.count++
	st.last = now
	notify := st.count <= t.burst && st.limiter.AllowN(now, 1)
	return Verdict{Notify: notify, Count: st.count}
}

// Reset forgets key, so its next occurrence notifies.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}
