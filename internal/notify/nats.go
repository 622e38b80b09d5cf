package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the NATS notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes messages to a subject. Subscribers can filter on
// "<subject>.<severity>".
type NATS struct {
	pub     Publisher
	subject string
}

// NewNATS returns a notifier publishing under subject.
func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject}
}

func (n *NATS) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	subject := n.subject
	if msg.Severity != "" {
		subject += "." + string(msg.Severity)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

var _ Publisher = (*nats.Conn)(nil)
