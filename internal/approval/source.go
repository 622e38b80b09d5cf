package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/logging"
)

// Subscribe feeds responses published on subject into inbox. Malformed
// messages are logged and dropped.
func Subscribe(nc *nats.Conn, subject string, inbox *Inbox, logger *logging.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx := context.Background()
		var r Response
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			logger.Warn(ctx, "dropping malformed approval", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if r.Source == "" {
			r.Source = "nats"
		}
		if err := inbox.Push(r); err != nil {
			logger.Warn(ctx, "dropping approval", zap.String("branch", r.Branch), zap.Error(err))
			return
		}
		logger.Debug(ctx, "approval received",
			zap.String("branch", r.Branch),
			zap.String("action", string(r.Action)),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Publish sends r to subject and waits for the server to acknowledge the
// flush.
func Publish(ctx context.Context, nc *nats.Conn, subject string, r Response) error {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish approval: %w", err)
	}
	return nc.FlushWithContext(ctx)
}

// Post sends r to the HTTP API at baseURL.
func Post(ctx context.Context, client *http.Client, baseURL string, r Response) error {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + "/api/v1/approvals"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build approval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post approval: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("approval rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
