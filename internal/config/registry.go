package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DeviceSpec declares one device in the registry file.
type DeviceSpec struct {
	ID           string         `yaml:"id,omitempty"`
	Name         string         `yaml:"name"`
	AssemblyType string         `yaml:"assemblyType"`
	AutoStart    bool           `yaml:"autoStart,omitempty"`
	Properties   map[string]any `yaml:"properties,omitempty"`
}

// UUID parses the spec's id; zero when unset.
func (d DeviceSpec) UUID() (uuid.UUID, error) {
	if d.ID == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(d.ID)
}

// ConnectionSpec declares one topology edge in the registry file.
type ConnectionSpec struct {
	ID             string `yaml:"id,omitempty"`
	Source         string `yaml:"source"`
	Target         string `yaml:"target"`
	ConnectionType string `yaml:"connectionType,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
	Condition      string `yaml:"condition,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (c ConnectionSpec) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Registry is the parsed device registry file.
type Registry struct {
	Devices     []DeviceSpec     `yaml:"devices"`
	Connections []ConnectionSpec `yaml:"connections,omitempty"`
}

// LoadRegistry parses and validates the registry YAML at path.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var reg Registry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if err := reg.validate(); err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return &reg, nil
}

func (r *Registry) validate() error {
	var errs []string

	names := map[string]bool{}
	ids := map[string]bool{}
	for i, d := range r.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Sprintf("devices[%d]: name is required", i))
			continue
		}
		if names[d.Name] {
			errs = append(errs, fmt.Sprintf("devices[%d]: duplicate name %q", i, d.Name))
		}
		names[d.Name] = true
		if d.AssemblyType == "" {
			errs = append(errs, fmt.Sprintf("devices[%d] (%s): assemblyType is required", i, d.Name))
		}
		if d.ID != "" {
			if _, err := uuid.Parse(d.ID); err != nil {
				errs = append(errs, fmt.Sprintf("devices[%d] (%s): invalid id %q", i, d.Name, d.ID))
			} else if ids[d.ID] {
				errs = append(errs, fmt.Sprintf("devices[%d] (%s): duplicate id %q", i, d.Name, d.ID))
			}
			ids[d.ID] = true
		}
	}

	for i, c := range r.Connections {
		if c.Source == "" || c.Target == "" {
			errs = append(errs, fmt.Sprintf("connections[%d]: source and target are required", i))
			continue
		}
		if !names[c.Source] {
			errs = append(errs, fmt.Sprintf("connections[%d]: unknown source device %q", i, c.Source))
		}
		if !names[c.Target] {
			errs = append(errs, fmt.Sprintf("connections[%d]: unknown target device %q", i, c.Target))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
