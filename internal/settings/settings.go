// Package settings reads the two on-disk sources the core treats as
// read-only shared state (§6): the process-level YAML file carrying log
// config and stack tuning, and the key-value store of ipv6Enabled/
// dohEnabled/bypassCountryCode.
package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"vlesscore/internal/core"
)

// Store is the key-value settings document (§6 "Shared persistent state").
type Store struct {
	IPv6Enabled       bool   `yaml:"ipv6Enabled"`
	DoHEnabled        bool   `yaml:"dohEnabled"`
	BypassCountryCode string `yaml:"bypassCountryCode"`
}

// ProcessConfig is the core's own process-level tuning file, matching the
// teacher's ConfigManager shape: log level/component overrides plus the
// stack knobs §5 otherwise hard-codes as defaults.
type ProcessConfig struct {
	Log      core.LogConfig `yaml:"log"`
	StackMTU uint32         `yaml:"stackMtu,omitempty"`
}

// DefaultStackMTU is used when a process config omits stackMtu.
const DefaultStackMTU = 1400

// LoadStore reads and parses a key-value settings file from path.
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read store %s: %w", path, err)
	}
	var s Store
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("settings: parse store %s: %w", path, err)
	}
	if len(s.BypassCountryCode) != 0 && len(s.BypassCountryCode) != 2 {
		return nil, fmt.Errorf("settings: bypassCountryCode must be 2 letters or empty, got %q", s.BypassCountryCode)
	}
	return &s, nil
}

// BypassSet converts the store's single bypass country code into the
// map[string]bool shape engine.Resolver consumes.
func (s *Store) BypassSet() map[string]bool {
	if s.BypassCountryCode == "" {
		return nil
	}
	return map[string]bool{s.BypassCountryCode: true}
}

// LoadProcessConfig reads the core's own YAML tuning file. A missing stack
// MTU is filled with DefaultStackMTU, the same value netstack.New applies
// to a zero MTU.
func LoadProcessConfig(path string) (*ProcessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read process config %s: %w", path, err)
	}
	var cfg ProcessConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("settings: parse process config %s: %w", path, err)
	}
	if cfg.StackMTU == 0 {
		cfg.StackMTU = DefaultStackMTU
	}
	return &cfg, nil
}
