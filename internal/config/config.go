// Package config loads the daemon's YAML configuration and holds the
// runtime-mutable session settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file structure.
type Config struct {
	Listen     string `yaml:"listen"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	BusAddress string `yaml:"bus_address"`
	AgentPath  string `yaml:"agent_path"`

	// Session policy, mirrored into the runtime Snapshot.
	Powered        []string `yaml:"powered"`
	Scannable      []string `yaml:"scannable"`
	APIPAEnabled   bool     `yaml:"apipa_enabled"`
	APIPAAddress   string   `yaml:"apipa_ipaddr"`
	APIPANetmask   string   `yaml:"apipa_netmask"`
	APIPAInterface string   `yaml:"apipa_interface"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "connman-session", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// Snapshot extracts the runtime-mutable session settings.
func (c *Config) Snapshot() Snapshot {
	return Snapshot{
		Powered:        append([]string(nil), c.Powered...),
		Scannable:      append([]string(nil), c.Scannable...),
		APIPAEnabled:   c.APIPAEnabled,
		APIPAAddress:   c.APIPAAddress,
		APIPANetmask:   c.APIPANetmask,
		APIPAInterface: c.APIPAInterface,
	}
}
