package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPathPresets reads a YAML file mapping preset names to download path
// templates. An empty path yields an empty map.
func LoadPathPresets(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=app.load_presets: %w", err)
	}
	presets := map[string]string{}
	if err := yaml.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("op=app.load_presets: %w", err)
	}
	return presets, nil
}
