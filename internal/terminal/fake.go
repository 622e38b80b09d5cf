package terminal

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Sent is one SendText or SendKeystroke call observed by Fake.
type Sent struct {
	Session    string
	Text       string
	Key        string
	PressEnter bool
}

// Fake is an in-memory Host. Its capture cursor is a byte offset.
type Fake struct {
	mu      sync.Mutex
	buffers map[string][]byte
	sent    []Sent
	sendErr error
	readErr map[string]error
	onSend  func(session, text string) string
}

// NewFake creates a Fake hosting sessions.
func NewFake(sessions ...string) *Fake {
	f := &Fake{
		buffers: make(map[string][]byte),
		readErr: make(map[string]error),
	}
	for _, s := range sessions {
		f.buffers[s] = nil
	}
	return f
}

// AddSession registers an empty session.
func (f *Fake) AddSession(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[session]; !ok {
		f.buffers[session] = nil
	}
}

// RemoveSession drops a session and its output.
func (f *Fake) RemoveSession(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buffers, session)
}

// Append writes text to a session's output.
func (f *Fake) Append(session, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffers[session] = append(f.buffers[session], text...)
}

// FailSends makes every send return err until reset with nil.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// FailReads makes captures of session return err until reset with nil.
func (f *Fake) FailReads(session string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.readErr, session)
		return
	}
	f.readErr[session] = err
}

// OnSend sets a hook whose return value is appended to the session output
// after each SendText, letting tests emulate a shell.
func (f *Fake) OnSend(fn func(session, text string) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

// Sent returns every send observed so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentTexts returns the text of every SendText call to session.
func (f *Fake) SentTexts(session string) []string {
	var out []string
	for _, s := range f.Sent() {
		if s.Session == session && s.Key == "" {
			out = append(out, s.Text)
		}
	}
	return out
}

func (f *Fake) ListSessions(context.Context) ([]SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.buffers))
	for name := range f.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	handles := make([]SessionHandle, 0, len(names))
	for i, name := range names {
		handles = append(handles, SessionHandle{Session: name, PaneID: "%" + strconv.Itoa(i)})
	}
	return handles, nil
}

func (f *Fake) CaptureOutput(_ context.Context, h SessionHandle, since int64) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr[h.Session]; err != nil {
		return "", since, err
	}
	buf, ok := f.buffers[h.Session]
	if !ok {
		return "", since, ErrSessionNotFound
	}
	size := int64(len(buf))
	if since < 0 || since > size {
		since = 0
	}
	return string(buf[since:]), size, nil
}

func (f *Fake) SendText(_ context.Context, h SessionHandle, text string, pressEnter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if _, ok := f.buffers[h.Session]; !ok {
		return ErrSessionNotFound
	}
	f.sent = append(f.sent, Sent{Session: h.Session, Text: text, PressEnter: pressEnter})
	if f.onSend != nil {
		if out := f.onSend(h.Session, text); out != "" {
			f.buffers[h.Session] = append(f.buffers[h.Session], out...)
		}
	}
	return nil
}

func (f *Fake) SendKeystroke(_ context.Context, h SessionHandle, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if _, ok := f.buffers[h.Session]; !ok {
		return ErrSessionNotFound
	}
	f.sent = append(f.sent, Sent{Session: h.Session, Key: key})
	return nil
}
