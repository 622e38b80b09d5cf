// Package prompt renders decision prompts from phase-keyed text/template
// files, falling back to built-in templates embedded in the binary.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/haizhouyuan/tmuxagent/internal/config"
)

// Built-in template names.
const (
	DefaultTemplate  = "default"
	DelegateTemplate = "delegate"
)

//go:embed templates/*.tmpl
var builtin embed.FS

// aliases maps legacy file names to template names.
var aliases = map[string]string{
	"command":          DefaultTemplate,
	"command_delegate": DelegateTemplate,
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
}

// Library holds the parsed templates. It is safe for concurrent use and can
// be reloaded while the loop is rendering.
type Library struct {
	cfg config.PromptConfig

	mu        sync.RWMutex
	templates map[string]*template.Template
	sources   map[string]string
}

// NewLibrary parses the built-in templates and any overrides named by cfg.
func NewLibrary(cfg config.PromptConfig) (*Library, error) {
	l := &Library{cfg: cfg}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads every template. On error the previous set is kept.
func (l *Library) Reload() error {
	templates := make(map[string]*template.Template)
	sources := make(map[string]string)

	entries, err := fs.Glob(builtin, "templates/*.tmpl")
	if err != nil {
		return fmt.Errorf("list built-in templates: %w", err)
	}
	for _, path := range entries {
		data, err := builtin.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read built-in %s: %w", path, err)
		}
		name := templateName(path)
		t, err := parse(name, string(data))
		if err != nil {
			return err
		}
		templates[name] = t
		sources[name] = "builtin:" + filepath.Base(path)
	}

	if l.cfg.Dir != "" {
		files, err := os.ReadDir(l.cfg.Dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read prompt dir: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !isTemplateFile(f.Name()) {
				continue
			}
			path := filepath.Join(l.cfg.Dir, f.Name())
			if err := loadFile(templates, sources, templateName(path), path); err != nil {
				return err
			}
		}
	}

	phases := make([]string, 0, len(l.cfg.Phases))
	for phase := range l.cfg.Phases {
		phases = append(phases, phase)
	}
	sort.Strings(phases)
	for _, phase := range phases {
		if err := loadFile(templates, sources, phase, l.cfg.Phases[phase]); err != nil {
			return err
		}
	}
	if l.cfg.Delegate != "" {
		if err := loadFile(templates, sources, DelegateTemplate, l.cfg.Delegate); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.templates = templates
	l.sources = sources
	l.mu.Unlock()
	return nil
}

// Lookup returns the template registered under name.
func (l *Library) Lookup(name string) (*template.Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.templates[name]
	return t, ok
}

// Source reports where the template name was loaded from.
func (l *Library) Source(name string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sources[name]
}

// Names lists the registered templates, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select picks the template for phase: the phase itself, then
// defaultPhase, then the default template. Delegate mode always uses the
// delegate template.
func (l *Library) Select(phase, defaultPhase string, delegate bool) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if delegate {
		if _, ok := l.templates[DelegateTemplate]; ok {
			return DelegateTemplate
		}
	}
	for _, name := range []string{phase, defaultPhase} {
		if name == "" {
			continue
		}
		if _, ok := l.templates[name]; ok {
			return name
		}
	}
	return DefaultTemplate
}

// watchPaths lists the directories holding template files.
func (l *Library) watchPaths() []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if dir == "" || seen[dir] {
			return
		}
		if _, err := os.Stat(dir); err != nil {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	add(l.cfg.Dir)
	for _, p := range l.cfg.Phases {
		add(filepath.Dir(p))
	}
	if l.cfg.Delegate != "" {
		add(filepath.Dir(l.cfg.Delegate))
	}
	sort.Strings(dirs)
	return dirs
}

func loadFile(templates map[string]*template.Template, sources map[string]string, name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read template %s: %w", path, err)
	}
	t, err := parse(name, string(data))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	templates[name] = t
	sources[name] = path
	return nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}
	return t, nil
}

func templateName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if alias, ok := aliases[name]; ok {
		return alias
	}
	return name
}

func isTemplateFile(name string) bool {
	switch filepath.Ext(name) {
	case ".tmpl", ".md", ".txt":
		return true
	}
	return false
}
