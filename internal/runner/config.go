package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vsavkov/mender/internal/budget"
	"github.com/vsavkov/mender/internal/policy"
)

// RunConfigFile is the on-disk run configuration. JSON and YAML are both
// accepted; unknown fields are rejected.
type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	// Tasks is a glob over JSONL task files (doublestar syntax).
	Tasks string `json:"tasks" yaml:"tasks"`

	Strategy string `json:"strategy" yaml:"strategy"`
	Seed     int64  `json:"seed" yaml:"seed"`

	LogsRoot   string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`
	MemoryPath string `json:"memory_path,omitempty" yaml:"memory_path,omitempty"`

	Budget struct {
		MaxTokens    *int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
		MaxToolCalls *int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty"`
		MaxTimeS     *int `json:"max_time_s,omitempty" yaml:"max_time_s,omitempty"`
	} `json:"budget,omitempty" yaml:"budget,omitempty"`

	Backoff struct {
		BaseMS *int  `json:"base_ms,omitempty" yaml:"base_ms,omitempty"`
		MaxMS  *int  `json:"max_ms,omitempty" yaml:"max_ms,omitempty"`
		Jitter *bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	} `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Strategy) == "" {
		cfg.Strategy = "rules"
	} else {
		cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	}
	cfg.Tasks = strings.TrimSpace(cfg.Tasks)
	cfg.LogsRoot = strings.TrimSpace(cfg.LogsRoot)
	cfg.MemoryPath = strings.TrimSpace(cfg.MemoryPath)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", cfg.Version)
	}
	if cfg.Tasks == "" {
		return fmt.Errorf("config: tasks glob is required")
	}
	known := false
	for _, n := range policy.StrategyNames() {
		if n == cfg.Strategy {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("config: unknown strategy %q (want one of %v)", cfg.Strategy, policy.StrategyNames())
	}
	if cfg.Budget.MaxTokens != nil && *cfg.Budget.MaxTokens <= 0 {
		return fmt.Errorf("config: budget.max_tokens must be positive")
	}
	if cfg.Budget.MaxToolCalls != nil && *cfg.Budget.MaxToolCalls <= 0 {
		return fmt.Errorf("config: budget.max_tool_calls must be positive")
	}
	if cfg.Budget.MaxTimeS != nil && *cfg.Budget.MaxTimeS <= 0 {
		return fmt.Errorf("config: budget.max_time_s must be positive")
	}
	return nil
}

// Options translates the file config into runner Options.
func (cfg *RunConfigFile) Options() Options {
	limits := budget.DefaultLimits()
	if cfg.Budget.MaxTokens != nil {
		limits.MaxTokens = *cfg.Budget.MaxTokens
	}
	if cfg.Budget.MaxToolCalls != nil {
		limits.MaxToolCalls = *cfg.Budget.MaxToolCalls
	}
	if cfg.Budget.MaxTimeS != nil {
		limits.MaxTime = time.Duration(*cfg.Budget.MaxTimeS) * time.Second
	}

	backoff := policy.DefaultBackoffConfig()
	if cfg.Backoff.BaseMS != nil {
		backoff.InitialDelayMS = *cfg.Backoff.BaseMS
	}
	if cfg.Backoff.MaxMS != nil {
		backoff.MaxDelayMS = *cfg.Backoff.MaxMS
	}
	if cfg.Backoff.Jitter != nil {
		backoff.Jitter = *cfg.Backoff.Jitter
	}

	return Options{
		Strategy:   cfg.Strategy,
		Seed:       cfg.Seed,
		LogsRoot:   cfg.LogsRoot,
		MemoryPath: cfg.MemoryPath,
		Limits:     limits,
		Backoff:    backoff,
	}
}
