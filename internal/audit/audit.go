// Package audit records every orchestrator action as an append-only JSONL
// stream and summarizes it for replay.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Event names written by the orchestrator.
const (
	EventDispatched          = "dispatched"
	EventQueued              = "queued"
	EventDroppedDuplicate    = "dropped_duplicate"
	EventQueueOverflow       = "queue_overflow"
	EventSuppressed          = "suppressed"
	EventDryRun              = "dry_run"
	EventDispatchFailed      = "dispatch_failed"
	EventReady               = "ready"
	EventResult              = "result"
	EventPendingConfirmation = "pending_confirmation"
	EventConfirmation        = "confirmation"
	EventSummary             = "summary"
	EventPhase               = "phase_change"
	EventDecisionError       = "decision_error"
	EventBranchError         = "branch_error"
	EventStall               = "stall"
	EventFailureStreak       = "failure_streak"
	EventDelegate            = "delegate_suggestion"
	EventFallback            = "fallback"
)

// Event is one audit record.
type Event struct {
	TS        time.Time      `json:"ts"`
	Branch    string         `json:"branch,omitempty"`
	Session   string         `json:"session,omitempty"`
	Event     string         `json:"event"`
	CommandID string         `json:"command_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Tee writes each event to every sink.
type Tee []Sink

func (t Tee) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range t {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileLog appends events to a JSONL file.
type FileLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
	now  func() time.Time
}

// Open opens path for appending, creating parent directories.
func Open(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLog{f: f, path: path, now: time.Now}, nil
}

// Path returns the file being written.
func (l *FileLog) Path() string { return l.path }

// Record appends ev as one line. A zero TS is stamped with the current time.
func (l *FileLog) Record(_ context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = l.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Publisher is the part of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSMirror publishes every event to "<prefix>.<event>".
type NATSMirror struct {
	pub    Publisher
	prefix string
}

// NewNATSMirror returns a mirror publishing under prefix.
func NewNATSMirror(pub Publisher, prefix string) *NATSMirror {
	return &NATSMirror{pub: pub, prefix: prefix}
}

func (m *NATSMirror) Record(_ context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if err := m.pub.Publish(m.prefix+"."+ev.Event, data); err != nil {
		return fmt.Errorf("mirror audit event: %w", err)
	}
	return nil
}
