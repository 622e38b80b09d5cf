package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"
)

// RecentSamples is how many trailing events a Summary keeps.
const RecentSamples = 5

// Read decodes JSONL events from r. Blank and malformed lines are skipped.
func Read(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("read audit log: %w", err)
	}
	return events, nil
}

// ReadFile reads the log at path. A missing file yields no events.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Filter keeps the events of branch. An empty branch keeps everything.
func Filter(events []Event, branch string) []Event {
	if branch == "" {
		return events
	}
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Branch == branch {
			out = append(out, ev)
		}
	}
	return out
}

// Summary condenses an event stream.
type Summary struct {
	Counts        map[string]int `json:"counts"`
	Samples       int            `json:"samples"`
	LastCommand   string         `json:"last_command,omitempty"`
	LastSummary   string         `json:"last_summary,omitempty"`
	MaxQueueDepth int            `json:"max_queue_depth"`
	Start         time.Time      `json:"start,omitzero"`
	End           time.Time      `json:"end,omitzero"`
	Duration      time.Duration  `json:"duration"`
	Recent        []Event        `json:"recent,omitempty"`
}

// Summarize folds events into a Summary.
func Summarize(events []Event) Summary {
	s := Summary{Counts: make(map[string]int)}
	depth := 0
	for _, ev := range events {
		name := ev.Event
		if name == "" {
			name = "unknown"
		}
		s.Counts[name]++
		s.Samples++
		if !ev.TS.IsZero() {
			if s.Start.IsZero() || ev.TS.Before(s.Start) {
				s.Start = ev.TS
			}
			if ev.TS.After(s.End) {
				s.End = ev.TS
			}
		}

		switch name {
		case EventDispatched, EventDryRun:
			if text, ok := ev.Payload["text"].(string); ok && text != "" {
				s.LastCommand = text
			}
			if fromQueue, _ := ev.Payload["from_queue"].(bool); fromQueue && depth > 0 {
				depth--
			}
		case EventQueued, EventPendingConfirmation:
			depth++
		case EventConfirmation:
			if depth > 0 {
				depth--
			}
		case EventSummary:
			if text, ok := ev.Payload["summary"].(string); ok && text != "" {
				s.LastSummary = text
			}
		}
		if d, ok := ev.Payload["queue_depth"].(float64); ok && int(d) > depth {
			depth = int(d)
		}
		s.MaxQueueDepth = max(s.MaxQueueDepth, depth)
	}
	if !s.Start.IsZero() {
		s.Duration = s.End.Sub(s.Start)
	}
	if n := len(events); n > RecentSamples {
		s.Recent = append([]Event(nil), events[n-RecentSamples:]...)
	} else {
		s.Recent = append([]Event(nil), events...)
	}
	return s
}

// Render writes a human-readable report of s.
func (s Summary) Render(w io.Writer, source string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Replayed %d events from %s\n", s.Samples, source)
	fmt.Fprintln(bw, "Event counts:")
	names := make([]string, 0, len(s.Counts))
	for name := range s.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(bw, "  %s: %d\n", name, s.Counts[name])
	}
	if !s.Start.IsZero() {
		fmt.Fprintf(bw, "Start: %s\n", s.Start.Format(time.RFC3339))
		fmt.Fprintf(bw, "End:   %s\n", s.End.Format(time.RFC3339))
		fmt.Fprintf(bw, "Duration: %s\n", s.Duration)
	}
	if s.LastCommand != "" {
		fmt.Fprintf(bw, "Last command: %s\n", s.LastCommand)
	}
	if s.LastSummary != "" {
		fmt.Fprintf(bw, "Last summary: %s\n", s.LastSummary)
	}
	if s.MaxQueueDepth > 0 {
		fmt.Fprintf(bw, "Max queue depth: %d\n", s.MaxQueueDepth)
	}
	if len(s.Recent) > 0 {
		fmt.Fprintln(bw, "Recent:")
		for _, ev := range s.Recent {
			fmt.Fprintf(bw, "  %s %-20s %s %s\n", ev.TS.Format(time.RFC3339), ev.Event, ev.Branch, ev.CommandID)
		}
	}
	return bw.Flush()
}
