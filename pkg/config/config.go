// Package config provides configuration loading and management for tissueseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Interpolation methods accepted in the configuration.
const (
	MethodMedianSet     = "medianset"
	MethodDeadReckoning = "deadreckoning"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many slices are processed in parallel
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Input describes how slice images are turned into a volume
	Input struct {
		// SliceGap represents the physical distance between consecutive slices in mm
		SliceGap float64 `yaml:"sliceGap"`

		// PixelSpacing is the in-plane voxel size in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`
	} `yaml:"input"`

	// Buffer pool parameters
	Pool struct {
		// DeleteUnused releases a pool once no stack uses its slice size
		DeleteUnused bool `yaml:"deleteUnused"`
	} `yaml:"pool"`

	// Undo history bounds
	Undo struct {
		MaxSteps  int `yaml:"maxSteps"`
		MaxArrays int `yaml:"maxArrays"`
	} `yaml:"undo"`

	// Skin generation parameters
	Skin struct {
		// ThicknessMM is the physical thickness of the skin band
		ThicknessMM float64 `yaml:"thicknessMM"`

		// PriorityOrdered selects the rounder, exterior-only skin band
		PriorityOrdered bool `yaml:"priorityOrdered"`

		// Tissue is the name of the tissue the skin is written as
		Tissue string `yaml:"tissue"`
	} `yaml:"skin"`

	// Interpolation parameters
	Interpolation struct {
		// Method is "medianset" or "deadreckoning"
		Method string `yaml:"method"`

		// ExactDistance replaces dead reckoning by an exact distance transform
		ExactDistance bool `yaml:"exactDistance"`

		// MaxIterations bounds median set growth; 0 means the slice diagonal
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"interpolation"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`
	} `yaml:"logging"`

	// Output parameters
	Output struct {
		// Verbose controls the progress output of the command line tool
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default

	cfg.Input.SliceGap = 1.0
	cfg.Input.PixelSpacing = 1.0

	cfg.Pool.DeleteUnused = true

	cfg.Undo.MaxSteps = 20
	cfg.Undo.MaxArrays = 1000

	cfg.Skin.ThicknessMM = 2.0
	cfg.Skin.PriorityOrdered = true
	cfg.Skin.Tissue = "skin"

	cfg.Interpolation.Method = MethodMedianSet
	cfg.Interpolation.ExactDistance = false
	cfg.Interpolation.MaxIterations = 0

	cfg.Logging.Level = "info"

	cfg.Output.Verbose = true

	return cfg
}

// Validate checks value ranges that the YAML decoder cannot.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 0 {
		return fmt.Errorf("processing.numWorkers must not be negative, got %d", c.Processing.NumWorkers)
	}
	if c.Input.SliceGap <= 0 || c.Input.PixelSpacing <= 0 {
		return fmt.Errorf("input spacing must be positive, got gap %v and pixel %v",
			c.Input.SliceGap, c.Input.PixelSpacing)
	}
	if c.Undo.MaxSteps < 0 || c.Undo.MaxArrays < 0 {
		return fmt.Errorf("undo bounds must not be negative")
	}
	if c.Skin.ThicknessMM < 0 {
		return fmt.Errorf("skin.thicknessMM must not be negative, got %v", c.Skin.ThicknessMM)
	}
	switch c.Interpolation.Method {
	case MethodMedianSet, MethodDeadReckoning:
	default:
		return fmt.Errorf("unknown interpolation method %q", c.Interpolation.Method)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.Logging.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	return lvl, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
