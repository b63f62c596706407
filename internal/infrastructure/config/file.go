package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// LoadFile loads configuration from environment variables and then overlays
// values from the given file. The format is chosen by extension: .yaml/.yml,
// .toml, or .json. File values take precedence over the environment.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := overlayFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse toml config: %w", err)
		}
	case ".json":
		if err := sonic.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse json config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	return nil
}
