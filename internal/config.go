package internal

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/reforged/reforge/internal/batch"
	"github.com/reforged/reforge/internal/ffmpeg"
	"github.com/reforged/reforge/internal/pipeline"
	"github.com/reforged/reforge/internal/sandbox"
)

// ReforgeConfig is the struct used to contain the various user config
// supplied by file or environment.
type ReforgeConfig struct {
	Batch    batch.Config    `yaml:"batch"`
	Sandbox  sandbox.Config  `yaml:"sandbox"`
	Ffmpeg   ffmpeg.Config   `yaml:"ffmpeg"`
	Pipeline pipeline.Config `yaml:"pipeline"`

	// LogMinLevel is the minimum log status emitted to stderr; lower
	// values are more verbose. 0 includes ffmpeg progress output.
	LogMinLevel int `yaml:"log_min_level" env:"LOG_MIN_LEVEL" env-default:"2"`
}

// LoadFromFile loads a configuration file formatted in YAML in to a
// ReforgeConfig struct, overlaying any environment variables on top.
func (config *ReforgeConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from '%s': %w", configPath, err)
	}

	return nil
}

// LoadFromEnv populates the config from environment variables and
// defaults only, for runs with no config file on disk.
func (config *ReforgeConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return nil
}

// Load reads the config file if one exists at the provided path,
// falling back to environment variables and defaults when it doesn't.
func (config *ReforgeConfig) Load(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return config.LoadFromFile(configPath)
	}

	return config.LoadFromEnv()
}
