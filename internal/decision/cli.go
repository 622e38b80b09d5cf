package decision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// CLIProvider runs an AI CLI with the prompt on stdin and parses its stdout.
type CLIProvider struct {
	bin       string
	args      []string
	env       []string
	waitDelay time.Duration
}

// NewCLIProvider creates a provider for bin. env entries are added to the
// inherited environment.
func NewCLIProvider(bin string, args []string, env map[string]string) (*CLIProvider, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, errors.New("decision binary is required")
	}
	extra := []string{"LC_ALL=en_US.UTF-8"}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		extra = append(extra, k+"="+env[k])
	}
	return &CLIProvider{
		bin:       bin,
		args:      append([]string(nil), args...),
		env:       extra,
		waitDelay: 2 * time.Second,
	}, nil
}

// Decide runs the CLI once. The process is killed when timeout elapses;
// WaitDelay bounds how long the pipes may outlive it.
func (p *CLIProvider) Decide(ctx context.Context, req Request, timeout time.Duration) (*Decision, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.bin, p.args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.WaitDelay = p.waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, canceled(p.bin, ctxErr)
		}
		return nil, &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("%s did not finish within %s", p.bin, timeout),
			Payload: excerpt(stdout.String()),
			Err:     ctxErr,
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &Error{
				Kind:    KindNonZeroExit,
				Message: fmt.Sprintf("%s exited with code %d: %s", p.bin, exitErr.ExitCode(), tail(stderr.String(), 500)),
				Payload: excerpt(stdout.String()),
				Err:     err,
			}
		}
		return nil, &Error{Kind: KindNonZeroExit, Message: fmt.Sprintf("failed to run %s", p.bin), Err: err}
	}
	return Parse(stdout.String())
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
