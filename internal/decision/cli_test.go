package decision

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCLIProvider_ReadsPromptFromStdin(t *testing.T) {
	requireSh(t)
	// echo the prompt back as the summary
	p, err := NewCLIProvider("sh", []string{"-c", `read line; printf '{"summary":"%s","commands":[{"text":"ls"}]}' "$line"`}, nil)
	require.NoError(t, err)

	d, err := p.Decide(context.Background(), Request{Prompt: "hello\n"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", d.Summary)
	require.Len(t, d.Commands, 1)
}

func TestCLIProvider_Env(t *testing.T) {
	requireSh(t)
	p, err := NewCLIProvider("sh", []string{"-c", `printf '{"summary":"%s"}' "$TMUXAGENT_TEST_VALUE"`}, map[string]string{"TMUXAGENT_TEST_VALUE": "from-env"})
	require.NoError(t, err)
	d, err := p.Decide(context.Background(), Request{}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "from-env", d.Summary)
}

func TestCLIProvider_Timeout(t *testing.T) {
	requireSh(t)
	p, err := NewCLIProvider("sh", []string{"-c", "exec sleep 10"}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Decide(context.Background(), Request{}, 100*time.Millisecond)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCLIProvider_CanceledIsNotTimeout(t *testing.T) {
	requireSh(t)
	p, err := NewCLIProvider("sh", []string{"-c", "exec sleep 10"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err = p.Decide(ctx, Request{}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCLIProvider_NonZeroExit(t *testing.T) {
	requireSh(t)
	p, err := NewCLIProvider("sh", []string{"-c", "echo broken >&2; exit 3"}, nil)
	require.NoError(t, err)
	_, err = p.Decide(context.Background(), Request{}, 5*time.Second)
	assert.Equal(t, KindNonZeroExit, KindOf(err))
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "broken")
}

func TestCLIProvider_EmptyAndMalformed(t *testing.T) {
	requireSh(t)
	p, err := NewCLIProvider("sh", []string{"-c", "true"}, nil)
	require.NoError(t, err)
	_, err = p.Decide(context.Background(), Request{}, 5*time.Second)
	assert.Equal(t, KindEmptyOutput, KindOf(err))

	p, err = NewCLIProvider("sh", []string{"-c", "echo sure thing"}, nil)
	require.NoError(t, err)
	_, err = p.Decide(context.Background(), Request{}, 5*time.Second)
	assert.Equal(t, KindMalformedOutput, KindOf(err))
}

func TestCLIProvider_MissingBinary(t *testing.T) {
	_, err := NewCLIProvider(" ", nil, nil)
	assert.Error(t, err)

	p, err := NewCLIProvider("/nonexistent/codex", nil, nil)
	require.NoError(t, err)
	_, err = p.Decide(context.Background(), Request{}, time.Second)
	assert.Equal(t, KindNonZeroExit, KindOf(err))
}
