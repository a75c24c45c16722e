package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

// Tenants is the parsed tenants file.
type Tenants struct {
	Clients []ClientConfig `yaml:"clients"`
}

// ClientConfig holds one client's handover defaults, widget overrides and quotas.
type ClientConfig struct {
	ID       string                              `yaml:"id"`
	Defaults model.HandoverConfig                `yaml:"defaults"`
	Widgets  map[string]model.WidgetOverride     `yaml:"widgets"`
	Quota    map[model.Channel]model.QuotaPolicy `yaml:"quota"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadTenants reads a tenants YAML file. ${VAR} references are expanded from
// the environment before parsing.
func LoadTenants(path string) (*Tenants, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenants file: %w", err)
	}
	return ParseTenants(data)
}

// ParseTenants parses and validates tenants YAML.
func ParseTenants(data []byte) (*Tenants, error) {
	expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	var t Tenants
	if err := yaml.Unmarshal([]byte(expanded), &t); err != nil {
		return nil, fmt.Errorf("parsing tenants file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("validating tenants file: %w", err)
	}
	return &t, nil
}

// Validate checks every client's defaults and resolved widget configurations.
func (t *Tenants) Validate() error {
	seen := make(map[string]bool, len(t.Clients))
	for _, c := range t.Clients {
		if c.ID == "" {
			return fmt.Errorf("client id is required")
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate client %q", c.ID)
		}
		seen[c.ID] = true

		if err := c.Defaults.Validate(); err != nil {
			return fmt.Errorf("client %q: %w", c.ID, err)
		}
		for widgetID, o := range c.Widgets {
			o := o
			if err := o.Apply(c.Defaults).Validate(); err != nil {
				return fmt.Errorf("client %q widget %q: %w", c.ID, widgetID, err)
			}
		}
		for ch := range c.Quota {
			if !ch.Valid() {
				return fmt.Errorf("client %q: unknown quota channel %q", c.ID, ch)
			}
		}
	}
	return nil
}
