package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"geemake/internal/domain"
	"geemake/internal/namespace"
)

const (
	// DefaultLocalPrefix is used when only ee_prefix is configured.
	DefaultLocalPrefix = ".local"
	// DefaultWaitSeconds is the poll interval when wait is not set.
	DefaultWaitSeconds = 10
	FileName           = "geemake.yml"
)

// Config models geemake.yml.
type Config struct {
	EEPrefix    string `yaml:"ee_prefix" json:"ee_prefix,omitempty"`
	LocalPrefix string `yaml:"local_prefix" json:"local_prefix,omitempty"`
	// Wait is the poll interval in seconds; zero polls as fast as possible.
	Wait   *int `yaml:"wait" json:"wait,omitempty"`
	Remote struct {
		Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
		Secret   string `yaml:"secret" json:"-"`
		Subject  string `yaml:"subject" json:"subject,omitempty"`
	} `yaml:"remote" json:"remote"`
	Build struct {
		Command []string `yaml:"command" json:"command,omitempty"`
	} `yaml:"build" json:"build"`
	Rules []domain.Rule `yaml:"rules" json:"rules"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	return FromFile(Path(workspace))
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses, defaults, and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EEPrefix != "" && c.LocalPrefix == "" {
		c.LocalPrefix = DefaultLocalPrefix
	}
	if len(c.Build.Command) == 0 {
		c.Build.Command = []string{"snakemake", "-c1"}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Wait != nil && *c.Wait < 0 {
		return fmt.Errorf("wait must be >= 0, got %d", *c.Wait)
	}
	if c.Tracking() {
		if _, err := namespace.New(c.EEPrefix, c.LocalPrefix); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	names := make(map[string]bool)
	for i, rule := range c.Rules {
		for _, p := range append(append([]string{}, rule.Input...), rule.Output...) {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("rule %d (%s) has an empty path", i, rule.Name)
			}
		}
		if rule.Name == "" {
			continue
		}
		if names[rule.Name] {
			return fmt.Errorf("rule %d: duplicate rule name %s", i, rule.Name)
		}
		names[rule.Name] = true
	}
	return nil
}

// Tracking reports whether either prefix is configured.
func (c *Config) Tracking() bool {
	return c.EEPrefix != "" || c.LocalPrefix != ""
}

// Namespace returns the prefix mapping, or the disabled mapping when neither
// prefix is configured.
func (c *Config) Namespace() (namespace.Mapping, error) {
	if !c.Tracking() {
		return namespace.Mapping{}, nil
	}
	return namespace.New(c.EEPrefix, c.LocalPrefix)
}

// WaitInterval returns the poll interval.
func (c *Config) WaitInterval() time.Duration {
	if c.Wait == nil {
		return DefaultWaitSeconds * time.Second
	}
	return time.Duration(*c.Wait) * time.Second
}

// Default returns a config tracking assets under eePrefix.
func Default(eePrefix string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(eePrefix)))
	if err != nil {
		panic(err)
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(eePrefix string) string {
	return fmt.Sprintf(defaultTemplate, eePrefix)
}

const defaultTemplate = `ee_prefix: %s
local_prefix: .local
wait: 10

remote:
  endpoint: http://127.0.0.1:8085
  subject: geemake

build:
  command: [snakemake, -c1]

rules: []
`
