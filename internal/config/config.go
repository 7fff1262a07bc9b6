// Package config handles configuration loading for the fuzzer: a YAML file
// overlaid by CLI flags, which always win.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fuzzer's full runtime configuration.
type Config struct {
	CorpusDir string        `yaml:"corpus_dir"`
	OutputDir string        `yaml:"output_dir"`
	Timeout   time.Duration `yaml:"timeout"`
	NumWorkers int          `yaml:"num_workers"`

	TestMode      bool   `yaml:"test_mode"`
	CovMode       string `yaml:"cov_mode"` // "edge" or "path"
	NetworkWorker bool   `yaml:"network_worker"`
	Port          int    `yaml:"port"`

	Profile           string `yaml:"profile"` // v8, gecko, jsc
	BytecodeCollector bool   `yaml:"bytecode_collector"`
	CovMeasure        bool   `yaml:"cov_measure"`
	Target            string `yaml:"target"`
	ScrollLog         bool   `yaml:"scroll_log"`

	Generator GeneratorConfig `yaml:"generator"`
}

// GeneratorConfig describes the external test-case generator child process.
type GeneratorConfig struct {
	Path          string   `yaml:"path"`
	Args          []string `yaml:"args"`
	BatchSize     int      `yaml:"batch_size"`
	MinStatements int      `yaml:"min_statements"`
	MaxStatements int      `yaml:"max_statements"`
}

// DefaultConfig returns the fuzzer's default configuration.
func DefaultConfig() *Config {
	return &Config{
		CorpusDir:         "corpus",
		OutputDir:         "output",
		Timeout:           500 * time.Millisecond,
		NumWorkers:        4,
		CovMode:           "edge",
		Profile:           "v8",
		BytecodeCollector: true,
		CovMeasure:        true,
		ScrollLog:         true,
		Generator: GeneratorConfig{
			BatchSize:     10,
			MinStatements: 5,
			MaxStatements: 10,
		},
	}
}

// Load reads a YAML config file and overlays it onto DefaultConfig. A
// missing path is not an error: callers fall back to defaults plus flags.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays the documented environment variables, which take
// precedence over both the default and any YAML file (but are themselves
// overridden by explicit CLI flags at the call site).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PROFILE"); v != "" {
		c.Profile = v
	}
	if v := os.Getenv("BYTECODE_COLLECTOR"); v != "" {
		c.BytecodeCollector = v != "0" && v != "false"
	}
	if v := os.Getenv("COV_MEASURE"); v != "" {
		c.CovMeasure = v != "0" && v != "false"
	}
	if v := os.Getenv("TARGET"); v != "" {
		c.Target = v
	}
	if v := os.Getenv("SCROLL_LOG"); v != "" {
		c.ScrollLog = v != "0" && v != "false"
	}
}

// Validate reports the configuration errors that should prevent startup.
func (c *Config) Validate() error {
	if c.CorpusDir == "" {
		return fmt.Errorf("config: corpus_dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: output_dir is required")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("config: num_workers must be positive, got %d", c.NumWorkers)
	}
	if c.Target == "" {
		return fmt.Errorf("config: target is required")
	}
	switch c.CovMode {
	case "edge", "path":
	default:
		return fmt.Errorf("config: cov_mode must be edge or path, got %q", c.CovMode)
	}
	return nil
}
