package decision

import (
	"fmt"

	"github.com/haizhouyuan/tmuxagent/internal/config"
)

// New builds the provider selected by cfg.Provider.
func New(cfg config.DecisionConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "cli":
		return NewCLIProvider(cfg.Bin, cfg.Args, cfg.Env)
	case "llm":
		return NewLLMProvider(LLMConfig{Model: cfg.Model, BaseURL: cfg.BaseURL, APIKey: cfg.APIKey.Value()})
	default:
		return nil, fmt.Errorf("unknown decision provider %q", cfg.Provider)
	}
}
