package config

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed app.yaml
var identityYAML []byte

// Identity names the application for env vars, config files and data dirs.
type Identity struct {
	BinaryName  string `yaml:"binary_name" json:"binary_name"`
	EnvPrefix   string `yaml:"env_prefix" json:"env_prefix"`
	ConfigName  string `yaml:"config_name" json:"config_name"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Validate reports the first missing field.
func (i *Identity) Validate() error {
	switch {
	case i == nil:
		return fmt.Errorf("app identity is nil")
	case strings.TrimSpace(i.BinaryName) == "":
		return fmt.Errorf("app identity missing binary name")
	case strings.TrimSpace(i.EnvPrefix) == "":
		return fmt.Errorf("app identity missing env prefix")
	case strings.TrimSpace(i.ConfigName) == "":
		return fmt.Errorf("app identity missing config name")
	}
	return nil
}

func parseIdentity(data []byte) (*Identity, error) {
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse app identity: %w", err)
	}
	id.EnvPrefix = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(id.EnvPrefix), "_"))
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &id, nil
}
