package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const fileHeader = "# bmd configuration\n# Environment variables (BMD_*) and command line flags override these values.\n\n"

// Encode renders cfg in the format named by ext (".toml", or YAML for
// anything else).
func Encode(cfg *Config, ext string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)

	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.NewEncoder(&buf).Encode(cfg.Map()); err != nil {
			return nil, fmt.Errorf("failed to encode TOML: %w", err)
		}
	default:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Map()); err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Write saves cfg to path, picking YAML or TOML from the extension.
// An existing file is only replaced when force is set.
func Write(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
