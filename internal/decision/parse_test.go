package decision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_CanonicalObject(t *testing.T) {
	d, err := Parse(`{
		"summary": "tests are red",
		"commands": [
			{"text": "go test ./...", "targetSession": "agent-api", "riskLevel": "LOW", "workingDir": "/src"},
			{"text": "git push", "pressEnter": false, "riskLevel": "high", "keys": ["C-c"], "notes": "after review"}
		],
		"requiresConfirmation": false,
		"notify": "heads up",
		"phase": "testing",
		"blockers": ["db down"]
	}`)
	require.NoError(t, err)
	assert.Equal(t, "tests are red", d.Summary)
	assert.Equal(t, "testing", d.Phase)
	assert.Equal(t, "heads up", d.Notify)
	assert.Equal(t, []string{"db down"}, d.Blockers)
	require.Len(t, d.Commands, 2)
	assert.Equal(t, CommandSuggestion{Text: "go test ./...", Session: "agent-api", PressEnter: true, WorkingDir: "/src", RiskLevel: "low"}, d.Commands[0])
	assert.False(t, d.Commands[1].PressEnter)
	assert.True(t, d.Commands[1].HighRisk())
	assert.Equal(t, []string{"C-c"}, d.Commands[1].Keys)
}

func TestParse_SnakeCaseAliases(t *testing.T) {
	d, err := Parse(`{"requires_confirmation": true, "commands": [
		{"text": "ls", "session": "s1", "enter": false, "cwd": "/tmp", "risk_level": "critical"},
		"pwd",
		{"text": "  "},
		42
	]}`)
	require.NoError(t, err)
	assert.True(t, d.RequiresConfirmation)
	require.Len(t, d.Commands, 2)
	assert.Equal(t, CommandSuggestion{Text: "ls", Session: "s1", PressEnter: false, WorkingDir: "/tmp", RiskLevel: "critical"}, d.Commands[0])
	assert.Equal(t, CommandSuggestion{Text: "pwd", PressEnter: true}, d.Commands[1])
}

func TestParse_EventStream(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"thread.started","thread_id":"t1"}`,
		`not json at all`,
		`{"type":"agent_message","message":"{\"summary\":\"first\",\"commands\":[]}"}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"` + "```json\\n" + `{\"summary\":\"second\",\"commands\":[{\"text\":\"make\"}]}` + "\\n```" + `"}}`,
		`{"type":"turn.completed"}`,
	}, "\n")
	d, err := Parse(stream)
	require.NoError(t, err)
	assert.Equal(t, "second", d.Summary, "last final answer wins")
	require.Len(t, d.Commands, 1)
	assert.Equal(t, "make", d.Commands[0].Text)
}

func TestParse_NestedUnderMsg(t *testing.T) {
	stream := `{"id":"1","msg":{"type":"task_complete","last_agent_message":"Done. {\"summary\":\"ok\",\"phase\":\"done\"}"}}` + "\n" + `{"id":"2","msg":{"type":"token_count"}}`
	d, err := Parse(stream)
	require.NoError(t, err)
	assert.Equal(t, "done", d.Phase)
	assert.Empty(t, d.Commands)
}

func TestParse_SingleFinalEvent(t *testing.T) {
	d, err := Parse(`{"type":"final_answer","content":"{\"summary\":\"one\"}"}`)
	require.NoError(t, err)
	assert.Equal(t, "one", d.Summary)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("   \n")
	assert.Equal(t, KindEmptyOutput, KindOf(err))

	_, err = Parse("I think you should run ls")
	assert.Equal(t, KindMalformedOutput, KindOf(err))

	_, err = Parse(`{"type":"turn.started"}`)
	assert.Equal(t, KindMalformedOutput, KindOf(err))

	_, err = Parse(`{"type":"agent_message","message":"no json here"}` + "\n{}")
	assert.Equal(t, KindMalformedOutput, KindOf(err))

	_, err = Parse(`{"summary": ["not", "a", "string"]}`)
	assert.Equal(t, KindMalformedOutput, KindOf(err))

	var de *Error
	_, err = Parse("garbage")
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "garbage", de.Payload)
}

func TestParse_BlockersAsString(t *testing.T) {
	d, err := Parse(`{"summary":"s","blockers":"waiting on api"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"waiting on api"}, d.Blockers)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
	assert.Equal(t, Kind(""), KindOf(nil))
}
