package orchestrator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// Decomposition step types.
const (
	StepCreateFile = "create_file"
	StepRunCommand = "run_command"
	StepCodeBlock  = "code_block"
	StepNote       = "note"
)

var fileLine = regexp.MustCompile("^[`']?([\\w./-]+\\.[a-zA-Z0-9]+)[`']?$")

// Decompose turns a markdown requirements document into ordered steps.
// "### " headings name the section of the steps below them.
func Decompose(r io.Reader) ([]state.DecompositionStep, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var (
		steps   []state.DecompositionStep
		section string
	)
	// block returns the lines up to the closing fence and the index after it.
	block := func(start int) ([]string, int) {
		i := start
		for i < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			i++
		}
		return lines[start:i], i + 1
	}

	for i := 0; i < len(lines); {
		line := strings.TrimSpace(lines[i])
		switch {
		case strings.HasPrefix(line, "### "):
			section = strings.TrimSpace(line[4:])
			i++
		case fileLine.MatchString(line):
			target := fileLine.FindStringSubmatch(line)[1]
			steps = append(steps, state.DecompositionStep{
				Type: StepCreateFile, Section: section, Target: target,
				Description: "create " + target,
			})
			i++
		case strings.HasPrefix(line, "```bash"):
			body, next := block(i + 1)
			for _, cmd := range body {
				cmd = strings.TrimSpace(cmd)
				if cmd == "" || strings.HasPrefix(cmd, "#") {
					continue
				}
				steps = append(steps, state.DecompositionStep{
					Type: StepRunCommand, Section: section, Command: cmd,
					Description: "run " + cmd,
				})
			}
			i = next
		case strings.HasPrefix(line, "```"):
			lang := strings.TrimSpace(strings.Trim(line, "`"))
			body, next := block(i + 1)
			if lang != "" {
				steps = append(steps, state.DecompositionStep{
					Type: StepCodeBlock, Section: section, Language: lang, Lines: len(body),
					Description: "write " + lang + " code block",
				})
			}
			i = next
		default:
			if bullet := strings.TrimLeft(line, "-*"); bullet != line {
				if summary := strings.TrimSpace(bullet); summary != "" {
					steps = append(steps, state.DecompositionStep{
						Type: StepNote, Section: section, Description: summary,
					})
				}
			}
			i++
		}
	}
	return steps, nil
}

// RefreshDecomposition re-reads meta.RequirementsDoc when its mtime differs
// from the cached decomposition. Relative paths resolve against baseDir. It
// reports whether meta changed. A missing document clears the cache.
func RefreshDecomposition(meta *state.Metadata, baseDir string) (bool, error) {
	doc := meta.RequirementsDoc
	if doc == "" {
		if meta.TaskDecomposition == nil {
			return false, nil
		}
		meta.TaskDecomposition = nil
		return true, nil
	}
	path := doc
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if meta.TaskDecomposition == nil {
				return false, nil
			}
			meta.TaskDecomposition = nil
			return true, nil
		}
		return false, fmt.Errorf("stat requirements: %w", err)
	}
	mtime := info.ModTime().UnixNano()
	if cur := meta.TaskDecomposition; cur != nil && cur.Source == path && cur.SourceMTime == mtime {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open requirements: %w", err)
	}
	defer f.Close()
	steps, err := Decompose(f)
	if err != nil {
		return false, fmt.Errorf("decompose %s: %w", path, err)
	}
	meta.TaskDecomposition = &state.Decomposition{Source: path, SourceMTime: mtime, Steps: steps}
	return true, nil
}
