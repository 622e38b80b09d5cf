// Package notify delivers operator notifications to log, webhook and NATS
// sinks, and throttles repeated alerts.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/logging"
)

// Severity ranks a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is one notification.
type Message struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Severity Severity          `json:"severity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

func (f Func) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Log writes notifications to the structured log.
type Log struct {
	Logger *logging.Logger
}

func (l Log) Send(ctx context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
		zap.String("severity", string(msg.Severity)),
	}
	if len(msg.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", msg.Metadata))
	}
	switch msg.Severity {
	case SeverityCritical:
		l.Logger.Error(ctx, "notification", fields...)
	case SeverityWarning:
		l.Logger.Warn(ctx, "notification", fields...)
	default:
		l.Logger.Info(ctx, "notification", fields...)
	}
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort wraps a notifier so delivery failures are logged and dropped.
type BestEffort struct {
	next   Notifier
	logger *logging.Logger
}

// NewBestEffort wraps next.
func NewBestEffort(next Notifier, logger *logging.Logger) *BestEffort {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BestEffort{next: next, logger: logger}
}

// Send never returns an error.
func (b *BestEffort) Send(ctx context.Context, msg Message) error {
	if b.next == nil {
		return nil
	}
	if err := b.next.Send(ctx, msg); err != nil {
		b.logger.Warn(ctx, "notification delivery failed",
			zap.String("title", msg.Title),
			zap.String("severity", string(msg.Severity)),
			zap.Error(err),
		)
	}
	return nil
}
