package decision

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// finalEventTypes are the stream event types that carry the final answer.
var finalEventTypes = map[string]bool{
	"agent_message": true,
	"final_answer":  true,
	"task_complete": true,
}

var answerFields = []string{"message", "text", "content", "last_agent_message"}

// Parse normalizes decision maker output. It accepts a single JSON decision
// object or a newline-delimited event stream whose last final-answer event
// carries the decision JSON as a string.
func Parse(raw string) (*Decision, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &Error{Kind: KindEmptyOutput, Message: "decision maker produced no output"}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		if answer, ok := finalAnswer(obj); ok {
			return parseAnswer(answer, raw)
		}
		return decode([]byte(trimmed), obj, raw)
	}

	answer, found := scanEvents(trimmed)
	if !found {
		return nil, &Error{Kind: KindMalformedOutput, Message: "output is neither a JSON object nor an event stream with a final answer", Payload: excerpt(raw)}
	}
	return parseAnswer(answer, raw)
}

// scanEvents returns the answer of the last final-answer event.
func scanEvents(stream string) (string, bool) {
	var answer string
	var found bool
	sc := bufio.NewScanner(strings.NewReader(stream))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev map[string]json.RawMessage
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if a, ok := finalAnswer(ev); ok {
			answer, found = a, true
		}
	}
	return answer, found
}

// finalAnswer extracts the answer from an event at top level or nested
// under "msg" or "item".
func finalAnswer(ev map[string]json.RawMessage) (string, bool) {
	if a, ok := answerOf(ev); ok {
		return a, true
	}
	for _, key := range []string{"msg", "item"} {
		raw, ok := ev[key]
		if !ok {
			continue
		}
		var nested map[string]json.RawMessage
		if json.Unmarshal(raw, &nested) != nil {
			continue
		}
		if a, ok := answerOf(nested); ok {
			return a, true
		}
	}
	return "", false
}

func answerOf(ev map[string]json.RawMessage) (string, bool) {
	var typ string
	if json.Unmarshal(ev["type"], &typ) != nil || !finalEventTypes[typ] {
		return "", false
	}
	for _, f := range answerFields {
		var s string
		if json.Unmarshal(ev[f], &s) == nil && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

// parseAnswer decodes the decision carried inside a final answer string,
// tolerating markdown code fences and prose around the object.
func parseAnswer(answer, raw string) (*Decision, error) {
	body := stripFences(answer)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return nil, &Error{Kind: KindMalformedOutput, Message: "final answer carries no JSON object", Payload: excerpt(raw)}
	}
	data := []byte(body[start : end+1])
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &Error{Kind: KindMalformedOutput, Message: "final answer is not valid JSON", Payload: excerpt(raw), Err: err}
	}
	return decode(data, obj, raw)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// wireCommand accepts both the camelCase schema and snake_case aliases.
type wireCommand struct {
	Text          string          `json:"text"`
	TargetSession string          `json:"targetSession"`
	Session       string          `json:"session"`
	PressEnter    *bool           `json:"pressEnter"`
	Enter         *bool           `json:"enter"`
	WorkingDir    string          `json:"workingDir"`
	Cwd           string          `json:"cwd"`
	RiskLevel     string          `json:"riskLevel"`
	RiskLevelAlt  string          `json:"risk_level"`
	Keys          json.RawMessage `json:"keys"`
	Notes         string          `json:"notes"`
}

type wireDecision struct {
	Summary                 string            `json:"summary"`
	Commands                []json.RawMessage `json:"commands"`
	RequiresConfirmation    *bool             `json:"requiresConfirmation"`
	RequiresConfirmationAlt *bool             `json:"requires_confirmation"`
	Notify                  json.RawMessage   `json:"notify"`
	Phase                   string            `json:"phase"`
	Blockers                json.RawMessage   `json:"blockers"`
}

var decisionKeys = []string{
	"summary", "commands", "requiresConfirmation", "requires_confirmation",
	"notify", "phase", "blockers",
}

func decode(data []byte, obj map[string]json.RawMessage, raw string) (*Decision, error) {
	known := false
	for _, k := range decisionKeys {
		if _, ok := obj[k]; ok {
			known = true
			break
		}
	}
	if !known {
		return nil, &Error{Kind: KindMalformedOutput, Message: "JSON object carries no decision fields", Payload: excerpt(raw)}
	}
	var w wireDecision
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &Error{Kind: KindMalformedOutput, Message: "decision has unexpected field types", Payload: excerpt(raw), Err: err}
	}

	d := &Decision{
		Summary:              strings.TrimSpace(w.Summary),
		Phase:                strings.TrimSpace(w.Phase),
		Notify:               stringish(w.Notify),
		Blockers:             stringList(w.Blockers),
		RequiresConfirmation: firstBool(false, w.RequiresConfirmation, w.RequiresConfirmationAlt),
		Commands:             []CommandSuggestion{},
	}
	for _, rc := range w.Commands {
		if c, ok := decodeCommand(rc); ok {
			d.Commands = append(d.Commands, c)
		}
	}
	return d, nil
}

func decodeCommand(raw json.RawMessage) (CommandSuggestion, bool) {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		text = strings.TrimSpace(text)
		return CommandSuggestion{Text: text, PressEnter: true}, text != ""
	}
	var wc wireCommand
	if json.Unmarshal(raw, &wc) != nil {
		return CommandSuggestion{}, false
	}
	c := CommandSuggestion{
		Text:       strings.TrimSpace(wc.Text),
		Session:    firstString(wc.TargetSession, wc.Session),
		PressEnter: firstBool(true, wc.PressEnter, wc.Enter),
		WorkingDir: firstString(wc.WorkingDir, wc.Cwd),
		RiskLevel:  strings.ToLower(firstString(wc.RiskLevel, wc.RiskLevelAlt)),
		Keys:       stringList(wc.Keys),
		Notes:      strings.TrimSpace(wc.Notes),
	}
	return c, c.Text != "" || len(c.Keys) > 0
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstBool(def bool, vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return def
}

// stringish renders a string or any other JSON scalar as text.
func stringish(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		if b {
			return "true"
		}
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// stringList accepts a list of strings or a single string.
func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		out := list[:0]
		for _, s := range list {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
		return []string{strings.TrimSpace(s)}
	}
	return nil
}
