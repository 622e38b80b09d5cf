// Package decision obtains structured next-step decisions from an AI
// decision maker and normalizes its output.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a decision failure.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindNonZeroExit     Kind = "non_zero_exit"
	KindMalformedOutput Kind = "malformed_output"
	KindEmptyOutput     Kind = "empty_output"
	// KindCanceled means the caller went away, usually at shutdown. It is
	// not a failure of the provider.
	KindCanceled Kind = "canceled"
)

// Error is returned for every failed decision.
type Error struct {
	Kind    Kind
	Message string
	// Payload holds a bounded excerpt of the raw output, if any.
	Payload string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decision %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("decision %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func canceled(what string, err error) *Error {
	return &Error{Kind: KindCanceled, Message: what + " canceled", Err: err}
}

// KindOf returns the Kind of err, or "" when err is not a decision error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

const payloadLimit = 2000

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > payloadLimit {
		return s[:payloadLimit] + "..."
	}
	return s
}

// CommandSuggestion is one command the decision maker wants typed.
type CommandSuggestion struct {
	Text       string   `json:"text"`
	Session    string   `json:"targetSession,omitempty"`
	PressEnter bool     `json:"pressEnter"`
	WorkingDir string   `json:"workingDir,omitempty"`
	RiskLevel  string   `json:"riskLevel,omitempty"`
	Keys       []string `json:"keys,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// HighRisk reports whether the suggestion needs operator approval by itself.
func (c CommandSuggestion) HighRisk() bool {
	switch strings.ToLower(c.RiskLevel) {
	case "high", "critical":
		return true
	}
	return false
}

// Decision is the normalized decision payload.
type Decision struct {
	Summary              string              `json:"summary,omitempty"`
	Commands             []CommandSuggestion `json:"commands"`
	RequiresConfirmation bool                `json:"requiresConfirmation"`
	Notify               string              `json:"notify,omitempty"`
	Phase                string              `json:"phase,omitempty"`
	Blockers             []string            `json:"blockers,omitempty"`
}

// HasCommands reports whether the decision suggests anything to run.
func (d *Decision) HasCommands() bool { return d != nil && len(d.Commands) > 0 }

// Request is the input to a decision.
type Request struct {
	Branch   string
	Template string
	Prompt   string
}

// Provider produces decisions. Implementations must honor timeout even if
// ctx has no deadline.
type Provider interface {
	Decide(ctx context.Context, req Request, timeout time.Duration) (*Decision, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request, timeout time.Duration) (*Decision, error)

func (f ProviderFunc) Decide(ctx context.Context, req Request, timeout time.Duration) (*Decision, error) {
	return f(ctx, req, timeout)
}
