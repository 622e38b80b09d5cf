package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Errors returned while loading an allowlist.
var (
	ErrInvalidTOML  = errors.New("invalid TOML format")
	ErrInvalidRegex = errors.New("invalid regex pattern")
)

// Allowlist lists patterns that are never redacted, such as documented
// example keys. The file format matches a gitleaks [allowlist] table.
type Allowlist struct {
	Regexes   []string `toml:"regexes"`
	StopWords []string `toml:"stopwords"`
}

// LoadAllowlist reads path. A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}
	var file struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return &file.Allowlist, nil
}

func (a *Allowlist) compile() []*regexp.Regexp {
	if a == nil {
		return nil
	}
	out := make([]*regexp.Regexp, 0, len(a.Regexes))
	for _, p := range a.Regexes {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}
