package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"
)

const systemPrompt = "You supervise terminal coding agents. Reply with a single JSON object " +
	`with keys summary, commands (list of {text, targetSession, pressEnter, riskLevel, keys, notes}), ` +
	"requiresConfirmation, notify, phase and blockers. No prose."

// Requests per second for the HTTP model; bursts are allowed up to llmBurst.
const (
	llmRate  = 1.0
	llmBurst = 4
)

// LLMConfig configures LLMProvider.
type LLMConfig struct {
	Model   string
	BaseURL string
	APIKey  string
}

// LLMProvider asks an OpenAI-compatible chat model for decisions.
type LLMProvider struct {
	llm     llms.Model
	limiter *rate.Limiter
}

// NewLLMProvider creates a provider from cfg.
func NewLLMProvider(cfg LLMConfig) (*LLMProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	token := cfg.APIKey
	if token == "" {
		// local OpenAI-compatible servers accept any token
		token = "unused"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	return newLLMProvider(llm), nil
}

func newLLMProvider(m llms.Model) *LLMProvider {
	return &LLMProvider{llm: m, limiter: rate.NewLimiter(rate.Limit(llmRate), llmBurst)}
}

func (p *LLMProvider) Decide(ctx context.Context, req Request, timeout time.Duration) (*Decision, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, canceled("model request", ctxErr)
		}
		return nil, &Error{Kind: KindTimeout, Message: "rate limited past the decision deadline", Err: err}
	}

	// JSON output is requested by the system prompt; not every
	// OpenAI-compatible server accepts response_format.
	resp, err := p.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt),
	}, llms.WithTemperature(0))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if !errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, canceled("model request", ctxErr)
			}
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("model did not answer within %s", timeout), Err: err}
		}
		return nil, &Error{Kind: KindNonZeroExit, Message: "model request failed", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindEmptyOutput, Message: "model returned no choices"}
	}
	return Parse(resp.Choices[0].Content)
}
