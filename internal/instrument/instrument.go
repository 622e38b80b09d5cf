// Package instrument appends a result marker to shell commands and parses
// those markers back out of captured terminal output.
//
// An instrumented command looks like:
//
//	<cmd>; printf '__ORCH_RESULT__ %s %s\n' '<id>' "$?"
//
// so the shell prints the command id and exit status once it finishes.
package instrument

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel prefixes every result marker line.
const Sentinel = "__ORCH_RESULT__"

const idPrefix = "cmd-"

var (
	suffixPattern  = regexp.MustCompile(`; printf '` + Sentinel + ` %s %s\\n' '(cmd-[0-9a-f]+)' "\$\?"\s*$`)
	bgSuffix       = regexp.MustCompile(`& printf '` + Sentinel + ` %s %s\\n' '(cmd-[0-9a-f]+)' "\$\?"\s*$`)
	markerPattern  = regexp.MustCompile(Sentinel + `\s+(\S+)\s+(-?\d+)`)
	commentPattern = regexp.MustCompile(`(^|\s)#`)
)

// NewID returns a fresh command id of the form cmd-<32 hex>.
func NewID() string {
	u := uuid.New()
	return idPrefix + hex.EncodeToString(u[:])
}

// Instrument appends the result marker to raw with a fresh id. Already
// instrumented input is returned unchanged with its existing id.
func Instrument(raw string) (string, string) {
	if text, id, ok := Extract(raw); ok {
		return text, id
	}
	return InstrumentWithID(raw, NewID())
}

// InstrumentWithID is Instrument with a caller-chosen id.
func InstrumentWithID(raw, id string) (string, string) {
	if text, existing, ok := Extract(raw); ok {
		return text, existing
	}
	cmd := strings.TrimRight(strings.TrimSpace(raw), "; \t")
	if cmd == "" {
		cmd = ":"
	}
	sep := ";"
	switch {
	case needsWrap(cmd):
		cmd = "bash -c " + Quote(cmd)
	case strings.HasSuffix(cmd, "&") && !strings.HasSuffix(cmd, "&&"):
		sep = ""
	}
	trailer := fmt.Sprintf(`printf '%s %%s %%s\n' '%s' "$?"`, Sentinel, id)
	return cmd + sep + " " + trailer, id
}

// Extract reports whether text already carries a marker suffix.
func Extract(text string) (string, string, bool) {
	if m := suffixPattern.FindStringSubmatch(text); m != nil {
		return text, m[1], true
	}
	if m := bgSuffix.FindStringSubmatch(text); m != nil {
		return text, m[1], true
	}
	return "", "", false
}

// Strip removes the marker suffix, returning the command as typed by the
// decision maker.
func Strip(text string) string {
	if loc := suffixPattern.FindStringIndex(text); loc != nil {
		return text[:loc[0]]
	}
	if loc := bgSuffix.FindStringIndex(text); loc != nil {
		return text[:loc[0]+1]
	}
	return text
}

func needsWrap(cmd string) bool {
	return strings.Contains(cmd, "\n") ||
		commentPattern.MatchString(cmd) ||
		strings.HasSuffix(cmd, `\`)
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Marker is one parsed result line.
type Marker struct {
	ID       string
	ExitCode int
}

// ParseMarkers returns every marker in output, in order of appearance.
// The echoed command line never matches: there the sentinel is followed by
// format verbs, not an id and a number.
func ParseMarkers(output string) []Marker {
	clean := Sanitize(output)
	var out []Marker
	for _, m := range markerPattern.FindAllStringSubmatch(clean, -1) {
		code, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out = append(out, Marker{ID: strings.Trim(m[1], `'"`), ExitCode: code})
	}
	return out
}

var shellBuiltins = map[string]bool{
	"cd": true, "export": true, "alias": true, "set": true,
	"unset": true, "source": true, ".": true,
}

// Harden prefixes text with a coreutils timeout so a hung command cannot
// hold the session forever.
func Harden(text string, timeout time.Duration) string {
	stripped := strings.TrimSpace(text)
	if stripped == "" || timeout <= 0 {
		return stripped
	}
	lowered := strings.ToLower(stripped)
	if strings.HasPrefix(lowered, "timeout") || strings.Contains(lowered, "timeout ") {
		return stripped
	}
	if strings.Contains(stripped, "\n") || strings.HasSuffix(stripped, `\`) {
		return stripped
	}
	if shellBuiltins[strings.ToLower(strings.Fields(stripped)[0])] {
		return stripped
	}
	seconds := int((timeout + time.Second/2) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("timeout %ds %s", seconds, stripped)
}
