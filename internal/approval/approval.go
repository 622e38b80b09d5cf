// Package approval collects operator responses to held commands from NATS,
// HTTP and the CLI, and hands them to the orchestrator once per cycle.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action is what the operator decided.
type Action string

const (
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
	// ActionClear drops failure blockers so blocked commands may run again.
	ActionClear Action = "clear"
)

// ErrInvalidResponse is returned for responses that cannot be applied.
var ErrInvalidResponse = errors.New("invalid approval response")

// Response is one operator decision. An empty Command matches every
// pending confirmation of the branch.
type Response struct {
	Branch  string    `json:"branch"`
	Action  Action    `json:"action"`
	Command string    `json:"command,omitempty"`
	Source  string    `json:"source,omitempty"`
	At      time.Time `json:"at,omitzero"`
}

// Normalize trims fields, lowercases the action and maps common synonyms.
func (r Response) Normalize() Response {
	r.Branch = strings.TrimSpace(r.Branch)
	r.Command = strings.TrimSpace(r.Command)
	switch strings.ToLower(strings.TrimSpace(string(r.Action))) {
	case "approve", "approved", "yes", "y", "ok":
		r.Action = ActionApprove
	case "deny", "denied", "reject", "rejected", "no", "n":
		r.Action = ActionDeny
	case "clear", "reset", "unblock":
		r.Action = ActionClear
	default:
		r.Action = Action(strings.ToLower(strings.TrimSpace(string(r.Action))))
	}
	return r
}

// Validate reports whether r can be applied.
func (r Response) Validate() error {
	if r.Branch == "" {
		return fmt.Errorf("%w: branch is required", ErrInvalidResponse)
	}
	switch r.Action {
	case ActionApprove, ActionDeny, ActionClear:
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidResponse, r.Action)
}

// Matches reports whether r applies to the pending command text.
func (r Response) Matches(text string) bool {
	return r.Command == "" || strings.TrimSpace(text) == r.Command
}

// Inbox buffers responses until the loop drains them.
type Inbox struct {
	mu      sync.Mutex
	pending []Response
	limit   int
	now     func() time.Time
}

// DefaultInboxLimit bounds the buffered responses.
const DefaultInboxLimit = 256

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{limit: DefaultInboxLimit, now: time.Now}
}

// Push normalizes, validates and buffers r. The oldest response is dropped
// when the inbox is full.
func (i *Inbox) Push(r Response) error {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = i.now().UTC()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append(i.pending, r)
	if n := len(i.pending); n > i.limit {
		i.pending = i.pending[n-i.limit:]
	}
	return nil
}

// Drain returns and clears every buffered response, oldest first.
func (i *Inbox) Drain() []Response {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.pending
	i.pending = nil
	return out
}

// Len reports the number of buffered responses.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}
