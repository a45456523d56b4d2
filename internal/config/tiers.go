package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadTierFile overlays a YAML tier table onto base. Keys missing from the file keep their base value.
//
//	active: 5m
//	normal: 15m
//	inactive: 1h
//	dormant: 6h
//	empty_low_threshold: 10
func LoadTierFile(path string, base TierConfig) (TierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read tier file %s: %w", path, err)
	}

	tiers := base
	if err := yaml.Unmarshal(data, &tiers); err != nil {
		return base, fmt.Errorf("failed to parse tier file %s: %w", path, err)
	}

	return tiers, nil
}
