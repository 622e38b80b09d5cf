package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Marker replaces every redacted span.
const Marker = "[REDACTED]"

// Options configures a Redactor.
type Options struct {
	Rules     []Rule
	Allowlist *Allowlist
	// Gitleaks adds the gitleaks default rule set as a second pass.
	Gitleaks bool
}

// Report counts what a Redact call masked, by rule id.
type Report struct {
	ByRule map[string]int
	Total  int
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Redactor masks secrets in text. It is safe for concurrent use.
type Redactor struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	stopWords []string

	mu       sync.Mutex
	detector *detect.Detector
}

// New compiles opts. Nil Rules means DefaultRules.
func New(opts Options) (*Redactor, error) {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	r := &Redactor{allow: opts.Allowlist.compile()}
	if opts.Allowlist != nil {
		r.stopWords = opts.Allowlist.StopWords
	}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if rule.Group > re.NumSubexp() {
			return nil, fmt.Errorf("rule %s: group %d out of range", rule.ID, rule.Group)
		}
		r.rules = append(r.rules, compiledRule{Rule: rule, re: re})
	}
	if opts.Gitleaks {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load gitleaks rules: %w", err)
		}
		if opts.Allowlist != nil {
			applyAllowlist(&d.Config, opts.Allowlist)
		}
		r.detector = d
	}
	return r, nil
}

// applyAllowlist adds the allowlist as a global gitleaks allowlist.
func applyAllowlist(cfg *gitleaksconfig.Config, a *Allowlist) {
	global := &gitleaksconfig.Allowlist{Description: "tmuxagent allowlist"}
	for _, re := range a.compile() {
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, a.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

type span struct{ start, end int }

// Redact returns text with every detected secret replaced by Marker.
func (r *Redactor) Redact(text string) (string, Report) {
	report := Report{ByRule: make(map[string]int)}
	if r == nil || text == "" {
		return text, report
	}

	var spans []span
	for _, rule := range r.rules {
		for _, m := range rule.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if rule.Group > 0 {
				start, end = m[2*rule.Group], m[2*rule.Group+1]
			}
			if start < 0 || start >= end || r.allowed(text[start:end]) {
				continue
			}
			spans = append(spans, span{start, end})
			report.ByRule[rule.ID]++
		}
	}
	out := apply(text, spans)

	if r.detector != nil {
		out = r.gitleaks(out, &report)
	}
	for _, n := range report.ByRule {
		report.Total += n
	}
	return out, report
}

// String is Redact without the report.
func (r *Redactor) String(text string) string {
	out, _ := r.Redact(text)
	return out
}

func (r *Redactor) gitleaks(text string, report *Report) string {
	r.mu.Lock()
	findings := r.detector.DetectString(text)
	r.mu.Unlock()

	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || strings.Contains(secret, Marker) || r.allowed(secret) {
			continue
		}
		if !strings.Contains(text, secret) {
			continue
		}
		text = strings.ReplaceAll(text, secret, Marker)
		report.ByRule["gitleaks:"+f.RuleID]++
	}
	return text
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	for _, w := range r.stopWords {
		if w != "" && strings.Contains(strings.ToLower(match), strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// apply masks spans, merging overlaps.
func apply(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, s := range merged {
		b.WriteString(text[prev:s.start])
		b.WriteString(Marker)
		prev = s.end
	}
	b.WriteString(text[prev:])
	return b.String()
}
