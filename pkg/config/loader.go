package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration. Environment variables are the base; an
// optional YAML config file overlays them. `${VAR}` references inside the
// file are expanded from the environment before decoding.
func Load(configPath string) (*Config, error) {
	cfg := FromEnv()

	if configPath != "" {
		if err := overlayFile(cfg, configPath); err != nil {
			return nil, err
		}
		cfg.SetDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile decodes a YAML config file over cfg.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
