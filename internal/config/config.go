package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToleranceSpec mirrors tolerance.Tolerance for config files.
type ToleranceSpec struct {
	Abs float64 `yaml:"abs"`
	Rel float64 `yaml:"rel"`
}

type Config struct {
	// Corpus and reference fixtures
	RefDir      string `yaml:"ref_dir"`
	DistDir     string `yaml:"dist_dir"`
	ResultsPath string `yaml:"results_path"`

	// Optional capability table overriding registry defaults
	CapabilityPath string `yaml:"capability_path"`

	// Active compute device; empty selects the best available
	Device string `yaml:"device"`

	// Tolerances applied when a metric's profile does not override them
	Tolerance ToleranceSpec `yaml:"tolerance"`
	Relaxed   ToleranceSpec `yaml:"relaxed"`

	// Random seed for consistency and gradient check inputs
	Seed int64 `yaml:"seed"`

	// Observation stack
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

func (c *Config) Validate() error {
	if c.RefDir == "" {
		return fmt.Errorf("invalid ref_dir: must not be empty")
	}
	if c.DistDir == "" {
		return fmt.Errorf("invalid dist_dir: must not be empty")
	}
	if c.RefDir == c.DistDir {
		return fmt.Errorf("invalid corpus: ref_dir and dist_dir are the same directory (%s)", c.RefDir)
	}
	if c.ResultsPath == "" {
		return fmt.Errorf("invalid results_path: must not be empty")
	}
	if c.Tolerance.Abs < 0 || c.Tolerance.Rel < 0 {
		return fmt.Errorf("invalid tolerance: abs=%g rel=%g (must be non-negative)",
			c.Tolerance.Abs, c.Tolerance.Rel)
	}
	if c.Relaxed.Abs < c.Tolerance.Abs || c.Relaxed.Rel < c.Tolerance.Rel {
		return fmt.Errorf("invalid relaxed tolerance: abs=%g rel=%g (must not be tighter than default abs=%g rel=%g)",
			c.Relaxed.Abs, c.Relaxed.Rel, c.Tolerance.Abs, c.Tolerance.Rel)
	}
	if c.Seed < 0 {
		return fmt.Errorf("invalid seed: %d (must be non-negative)", c.Seed)
	}
	return nil
}

func Default() Config {
	return Config{
		RefDir:      "ResultsCalibra/ref_dir",
		DistDir:     "ResultsCalibra/dist_dir",
		ResultsPath: "ResultsCalibra/results_original.csv",
		Tolerance:   ToleranceSpec{Abs: 1e-2, Rel: 1e-2},
		Relaxed:     ToleranceSpec{Abs: 1e-2, Rel: 6e-2},
		Seed:        42,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

// LoadFile reads a YAML config over the defaults.
func LoadFile(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}
