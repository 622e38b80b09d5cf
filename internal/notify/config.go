package notify

import (
	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
)

// FromConfig assembles the configured sinks. The log sink is always
// present; pub may be nil when NATS is not in use.
func FromConfig(cfg config.NotifyConfig, pub Publisher, logger *logging.Logger) Notifier {
	sinks := Multi{Log{Logger: logger.Named("notify")}}
	if url := cfg.WebhookURL.Value(); url != "" {
		sinks = append(sinks, NewWebhook(url, nil))
	}
	if cfg.NATS && pub != nil {
		sinks = append(sinks, NewNATS(pub, cfg.Subject))
	}
	return NewBestEffort(sinks, logger)
}
