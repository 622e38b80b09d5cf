// Package terminal talks to the terminal multiplexer hosting agent sessions.
package terminal

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session or pane no longer exists.
var ErrSessionNotFound = errors.New("terminal session not found")

// SessionHandle identifies the pane that receives input for a session.
type SessionHandle struct {
	Session string `json:"session"`
	PaneID  string `json:"pane_id"`
	Window  string `json:"window,omitempty"`
	Title   string `json:"title,omitempty"`
}

// Host reads from and writes to terminal sessions.
//
// CaptureOutput returns the text written since the opaque cursor since,
// along with the cursor to pass next time. A cursor of 0 reads the
// available tail.
type Host interface {
	ListSessions(ctx context.Context) ([]SessionHandle, error)
	CaptureOutput(ctx context.Context, h SessionHandle, since int64) (string, int64, error)
	SendText(ctx context.Context, h SessionHandle, text string, pressEnter bool) error
	SendKeystroke(ctx context.Context, h SessionHandle, key string) error
}

// FindSession returns the handle for session among handles.
func FindSession(handles []SessionHandle, session string) (SessionHandle, bool) {
	for _, h := range handles {
		if h.Session == session {
			return h, true
		}
	}
	return SessionHandle{}, false
}
