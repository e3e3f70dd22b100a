// Package config holds the two ambient YAML config surfaces catmesh
// loads at startup: the node agent's connection to a controller, and
// the controller's own listen/storage settings. Shaped after the
// teacher's own config package (kubeconfig-style Path/Load/Save, a
// missing file is not an error), generalized from a multi-context
// daemon-connection file to catmesh's single-controller agent and
// controller configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the node agent's on-disk configuration.
type AgentConfig struct {
	ControllerURL string `yaml:"controller_url"`
	DataDir       string `yaml:"data_dir"`
	InvitationKey string `yaml:"invitation_key,omitempty"` // consumed on first register, then cleared
	LogLevel      string `yaml:"log_level,omitempty"`

	// StunGeneralURL and StunNATURL are the two server-list bootstrap
	// endpoints internal/stun.FetchServerList consumes (spec §4.D).
	StunGeneralURL string `yaml:"stun_general_url,omitempty"`
	StunNATURL     string `yaml:"stun_nat_url,omitempty"`
}

// AgentPath returns the agent config file location, respecting
// XDG_CONFIG_HOME and falling back to ~/.config/catmesh/agent.yaml.
func AgentPath() string {
	return configPath("agent.yaml")
}

// LoadAgent reads the agent config file. A missing file returns a
// zero-value config, not an error — a fresh node has no config yet.
func LoadAgent() (*AgentConfig, error) {
	var cfg AgentConfig
	if err := loadYAML(AgentPath(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to disk, creating directories as needed.
func (c *AgentConfig) Save() error {
	return saveYAML(AgentPath(), c)
}

func configPath(file string) string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "catmesh", file)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "catmesh", file)
}

func loadYAML(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func saveYAML(path string, src any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
