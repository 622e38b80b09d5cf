package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haizhouyuan/tmuxagent/internal/state"
	"github.com/haizhouyuan/tmuxagent/internal/workspace"
)

// noValue is what text/template prints for keys absent from the variable map.
const noValue = "<no value>"

// Options tune rendering.
type Options struct {
	DefaultPhase    string
	Delegate        bool
	Model           string
	MaxExcerptChars int
	HistoryCount    int
	Now             func() time.Time
}

// Input is the per-branch view the builder renders.
type Input struct {
	Branch     string
	Session    string
	Status     string
	LogExcerpt string
	Metadata   state.Metadata
	Blockers   []string
	Workspace  *workspace.Status
}

// Payload is a rendered prompt together with the variables used.
type Payload struct {
	Template  string
	Variables map[string]any
	Text      string
}

// Builder renders prompts from a Library.
type Builder struct {
	lib  *Library
	opts Options
}

// NewBuilder returns a builder over lib.
func NewBuilder(lib *Library, opts Options) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{lib: lib, opts: opts}
}

// Build selects a template for in and renders it.
func (b *Builder) Build(in Input) (*Payload, error) {
	name := b.lib.Select(in.Metadata.Phase, b.opts.DefaultPhase, b.opts.Delegate)
	tmpl, ok := b.lib.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no template %q", name)
	}

	vars, err := b.variables(in, name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render %s for %s: %w", name, in.Branch, err)
	}
	return &Payload{
		Template:  name,
		Variables: vars,
		Text:      strings.ReplaceAll(buf.String(), noValue, ""),
	}, nil
}

func (b *Builder) variables(in Input, name string) (map[string]any, error) {
	// History carries the bounded command records.
	md := in.Metadata
	md.CommandHistory = nil
	meta, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", in.Branch, err)
	}
	phase := in.Metadata.Phase
	if phase == "" {
		phase = b.opts.DefaultPhase
	}
	blockers := in.Blockers
	if blockers == nil {
		blockers = in.Metadata.Blockers()
	}
	vars := map[string]any{
		"Branch":     in.Branch,
		"Session":    in.Session,
		"Status":     in.Status,
		"Phase":      phase,
		"Template":   name,
		"Model":      b.opts.Model,
		"LogExcerpt": Tail(in.LogExcerpt, b.opts.MaxExcerptChars),
		"Metadata":   string(meta),
		"History":    lastRecords(in.Metadata.CommandHistory, b.opts.HistoryCount),
		"Blockers":   blockers,
		"Workspace":  nil,
		"Title":      in.Metadata.Title,
		"Tags":       in.Metadata.Tags,
		"DependsOn":  in.Metadata.DependsOn,
		"Summary":    in.Metadata.Summary,
		"Now":        b.opts.Now().UTC().Format(time.RFC3339),
	}
	if in.Workspace != nil {
		vars["Workspace"] = in.Workspace
	}
	return vars, nil
}

// Tail keeps the last max bytes of s, cut at a line boundary when one is
// available and otherwise at a rune boundary. max <= 0 disables the bound.
func Tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	cut := s[start:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return cut
}

func lastRecords(history []state.CommandRecord, n int) []state.CommandRecord {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
