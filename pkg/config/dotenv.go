package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads provider keys and settings from the first .env file
// found. Candidates, in order: the explicitly given path, .env in the
// working directory, .env next to the config file (when serving with
// --config), and ~/.env. Only the first hit is loaded, and variables
// already present in the environment always win over file values.
func LoadDotEnv(explicitPath, configPath string) error {
	for _, path := range dotEnvCandidates(explicitPath, configPath) {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		slog.Debug("Loaded environment file", "path", path)
		return nil
	}
	return nil
}

// dotEnvCandidates builds the ordered search list, skipping empty entries.
func dotEnvCandidates(explicitPath, configPath string) []string {
	candidates := make([]string, 0, 4)
	if explicitPath != "" {
		candidates = append(candidates, explicitPath)
	}
	candidates = append(candidates, ".env")
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".env"))
	}
	return candidates
}
