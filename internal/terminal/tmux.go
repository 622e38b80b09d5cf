package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const defaultCaptureLines = 2000

// runFunc executes tmux with args and returns stdout.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Tmux drives sessions through the tmux CLI.
//
// The capture cursor counts completed lines (scrollback plus the visible
// lines above the cursor), so a partially typed prompt line is never
// reported as read.
type Tmux struct {
	bin          string
	socket       string
	timeout      time.Duration
	captureLines int
	run          runFunc
}

// TmuxOption configures a Tmux host.
type TmuxOption func(*Tmux)

// WithSocket selects a named tmux server socket (-L).
func WithSocket(name string) TmuxOption {
	return func(t *Tmux) { t.socket = name }
}

// WithBinary overrides the tmux executable.
func WithBinary(bin string) TmuxOption {
	return func(t *Tmux) { t.bin = bin }
}

// WithTimeout bounds every tmux invocation.
func WithTimeout(d time.Duration) TmuxOption {
	return func(t *Tmux) { t.timeout = d }
}

// WithCaptureLines bounds how much scrollback a capture reads.
func WithCaptureLines(n int) TmuxOption {
	return func(t *Tmux) {
		if n > 0 {
			t.captureLines = n
		}
	}
}

// NewTmux creates a tmux host.
func NewTmux(opts ...TmuxOption) *Tmux {
	t := &Tmux{
		bin:          "tmux",
		timeout:      5 * time.Second,
		captureLines: defaultCaptureLines,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.run = t.exec
	return t
}

func (t *Tmux) exec(ctx context.Context, args ...string) ([]byte, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	full := args
	if t.socket != "" && t.socket != "default" {
		full = append([]string{"-L", t.socket}, args...)
	}
	cmd := exec.CommandContext(ctx, t.bin, full...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tmux %s: %w", args[0], ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if isMissing(msg) {
			return nil, fmt.Errorf("tmux %s: %s: %w", args[0], msg, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("tmux %s: %s: %w", args[0], msg, err)
	}
	return stdout.Bytes(), nil
}

func isMissing(stderr string) bool {
	return strings.Contains(stderr, "can't find") ||
		strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "session not found")
}

// ListSessions returns the active pane of every session.
func (t *Tmux) ListSessions(ctx context.Context) ([]SessionHandle, error) {
	out, err := t.run(ctx, "list-panes", "-a", "-F",
		"#{pane_id}\t#{session_name}\t#{window_name}\t#{pane_title}\t#{window_active}\t#{pane_active}")
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parsePaneList(string(out)), nil
}

// parsePaneList keeps one pane per session, preferring the active one.
func parsePaneList(out string) []SessionHandle {
	var handles []SessionHandle
	index := make(map[string]int)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		h := SessionHandle{PaneID: fields[0], Session: fields[1], Window: fields[2], Title: fields[3]}
		active := len(fields) >= 6 && fields[4] == "1" && fields[5] == "1"
		if i, seen := index[h.Session]; seen {
			if active {
				handles[i] = h
			}
			continue
		}
		index[h.Session] = len(handles)
		handles = append(handles, h)
	}
	return handles
}

func (t *Tmux) target(h SessionHandle) string {
	if h.PaneID != "" {
		return h.PaneID
	}
	return h.Session
}

// CaptureOutput returns completed lines written after since.
func (t *Tmux) CaptureOutput(ctx context.Context, h SessionHandle, since int64) (string, int64, error) {
	target := t.target(h)
	out, err := t.run(ctx, "display-message", "-p", "-t", target, "#{history_size} #{cursor_y}")
	if err != nil {
		return "", since, err
	}
	total, cursorY, err := parseCursor(string(out))
	if err != nil {
		return "", since, err
	}
	if total == 0 {
		return "", 0, nil
	}
	out, err = t.run(ctx, "capture-pane", "-p", "-J", "-t", target,
		"-S", "-"+strconv.Itoa(t.captureLines), "-E", strconv.FormatInt(cursorY-1, 10))
	if err != nil {
		return "", since, err
	}
	return sliceNew(string(out), since, total), total, nil
}

// parseCursor returns the completed line count and the cursor row.
func parseCursor(out string) (int64, int64, error) {
	parts := strings.Fields(out)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected cursor output %q", strings.TrimSpace(out))
	}
	history, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse history size: %w", err)
	}
	cursorY, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse cursor row: %w", err)
	}
	return history + cursorY, cursorY, nil
}

// sliceNew keeps the lines of captured beyond since. When since is unknown
// or ahead of total (history was cleared) the whole capture is returned.
func sliceNew(captured string, since, total int64) string {
	captured = strings.TrimSuffix(captured, "\n")
	if captured == "" {
		return ""
	}
	lines := strings.Split(captured, "\n")
	fresh := total - since
	if since <= 0 || since > total || fresh >= int64(len(lines)) {
		return strings.Join(lines, "\n") + "\n"
	}
	if fresh <= 0 {
		return ""
	}
	return strings.Join(lines[int64(len(lines))-fresh:], "\n") + "\n"
}

// SendText types text literally, then presses Enter when requested.
func (t *Tmux) SendText(ctx context.Context, h SessionHandle, text string, pressEnter bool) error {
	target := t.target(h)
	if text != "" {
		if _, err := t.run(ctx, "send-keys", "-t", target, "-l", "--", text); err != nil {
			return err
		}
	}
	if pressEnter {
		if _, err := t.run(ctx, "send-keys", "-t", target, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// SendKeystroke sends a named key such as "C-c" or "Escape".
func (t *Tmux) SendKeystroke(ctx context.Context, h SessionHandle, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	_, err := t.run(ctx, "send-keys", "-t", t.target(h), key)
	return err
}
