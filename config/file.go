package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// LoadFile overlays values from a YAML file onto cfg. Fields absent from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}
