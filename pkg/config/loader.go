package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the recognized configuration file name, searched for from
// the directory given to Load upward (same walk-up-to-go.mod idiom used by
// the logger's default log directory resolution).
const ConfigFileName = "storyroom.yaml"

// FindConfigFile walks up from dir looking for ConfigFileName, the same way
// logx locates the project root by walking up to go.mod. Returns "" if none
// is found.
func FindConfigFile(dir string) string {
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Load reads ConfigFileName (if found starting from dir), applies the
// environment-variable overlay on top, validates the result, and installs it
// as the process-wide singleton.
//
// Precedence, lowest to highest: Default() < YAML file < environment.
func Load(dir string) (Config, error) {
	cfg := Default()

	if path := FindConfigFile(dir); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply environment overlay: %w", err)
	}

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}

	if err := Set(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Reload re-runs Load against the same directory, atomically replacing the
// singleton. Providers that cache availability or hold connections should
// re-initialize after a Reload call returns success.
func Reload(dir string) (Config, error) {
	return Load(dir)
}

// WriteDefault writes Default() to ConfigFileName under dir, creating dir if
// needed. Used by first-run setup.
func WriteDefault(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config directory %s: %w", dir, err)
	}
	cfg := Default()
	raw, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write default config %s: %w", path, err)
	}
	return path, nil
}
