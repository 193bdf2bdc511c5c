package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models caseflow.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Collaborators struct {
		RoleAssignments Collaborator `yaml:"role_assignments"`
		CaseData        Collaborator `yaml:"case_data"`
		Rules           Collaborator `yaml:"rules"`
		WorkflowMirror  Mirror       `yaml:"workflow_mirror"`
	} `yaml:"collaborators"`
}

// Collaborator is one upstream HTTP dependency.
type Collaborator struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Mirror is the write-through workflow mirror. Delivery failures are logged
// and never surfaced, so it can be disabled outright in smaller setups.
type Mirror struct {
	Collaborator `yaml:",inline"`
	Enabled      bool `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	for name, col := range map[string]Collaborator{
		"role_assignments": c.Collaborators.RoleAssignments,
		"case_data":        c.Collaborators.CaseData,
		"rules":            c.Collaborators.Rules,
	} {
		if col.URL == "" {
			return fmt.Errorf("config.collaborators.%s.url is required", name)
		}
		if col.TimeoutSeconds < 0 {
			return fmt.Errorf("config.collaborators.%s.timeout_seconds must be >= 0", name)
		}
	}
	if c.Collaborators.WorkflowMirror.Enabled && c.Collaborators.WorkflowMirror.URL == "" {
		return fmt.Errorf("config.collaborators.workflow_mirror.url is required when enabled")
	}
	return nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with cfl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: ""

store:
  path: ""

auth:
  jwt_secret: ""
  dev_login: false

collaborators:
  role_assignments:
    url: ""
    timeout_seconds: 5
  case_data:
    url: ""
    timeout_seconds: 5
  rules:
    url: ""
    timeout_seconds: 10
  workflow_mirror:
    enabled: false
    url: ""
    timeout_seconds: 5
`
