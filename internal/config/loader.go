package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment overrides.
	EnvPrefix = "TMUXAGENT_"

	// ProjectDir is the conventional per-project configuration directory.
	ProjectDir = ".tmuxagent"
)

// DefaultPaths are probed in order when no explicit path is given.
var DefaultPaths = []string{
	filepath.Join(ProjectDir, "orchestrator.yaml"),
	filepath.Join(ProjectDir, "orchestrator.yml"),
	filepath.Join(ProjectDir, "orchestrator.toml"),
}

// Load reads configuration from path, then overrides it with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (TMUXAGENT_ORCHESTRATOR_POLL_INTERVAL, ...)
//  2. The config file (YAML or TOML, chosen by extension)
//  3. Defaults from Default()
//
// An empty path probes DefaultPaths. A missing file is not an error; relative
// paths inside the config resolve against the project directory.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates section from field:
//
//	TMUXAGENT_ORCHESTRATOR_POLL_INTERVAL -> orchestrator.poll_interval
//	TMUXAGENT_DECISION_TIMEOUT           -> decision.timeout
//	TMUXAGENT_STORE_BACKEND              -> store.backend
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		for _, candidate := range DefaultPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	base, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	if path != "" {
		content, err := readConfigFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(content), parserFor(path)); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
			base = projectRoot(path)
		case os.IsNotExist(err):
			// Fall through to defaults and environment.
		default:
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				numericDurationHook(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths(base)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// readConfigFile opens path once and checks its size before reading.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOMLParser()
	default:
		return yaml.Parser()
	}
}

// projectRoot is the directory relative config paths resolve against.
// A file inside .tmuxagent/ resolves against the directory holding .tmuxagent.
func projectRoot(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	dir := filepath.Dir(abs)
	if filepath.Base(dir) == ProjectDir {
		return filepath.Dir(dir)
	}
	return dir
}

// envKey maps TMUXAGENT_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// numericDurationHook reads bare numbers as seconds for Duration fields.
func numericDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		}
		return data, nil
	}
}
