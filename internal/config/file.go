package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overlayFile decodes a YAML file over cfg. Keys missing from the file keep
// the values already loaded from the environment.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
