package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// HealthMode selects where the gating health check runs.
type HealthMode string

const (
	// HealthPreActivation probes the candidate on an isolated port before the pointer moves.
	HealthPreActivation HealthMode = "pre-activation"
	// HealthPostActivation probes the live endpoints after activation and reload.
	HealthPostActivation HealthMode = "post-activation"
)

// Project is the per-project deploy manifest (deploy.yaml).
type Project struct {
	Name            string                 `yaml:"project"`
	StandardVersion string                 `yaml:"standard_version"`
	Source          SourceConfig           `yaml:"source"`
	Ports           map[string]int         `yaml:"ports"`
	Environments    map[string]Environment `yaml:"environments"`
	Services        map[string]string      `yaml:"services"`
	Hooks           []HookConfig           `yaml:"hooks"`
	HooksPreset     string                 `yaml:"hooks_preset"`
	Health          HealthConfig           `yaml:"health"`
	Tasks           []string               `yaml:"tasks"`
}

type SourceConfig struct {
	Type     string `yaml:"type"`     // git | dir | s3
	Location string `yaml:"location"` // repository path, source directory or bucket
	Prefix   string `yaml:"prefix"`   // object key prefix for s3
}

// Environment holds per-environment overrides.
type Environment struct {
	EnvFile  string            `yaml:"env_file"`
	Services []string          `yaml:"services"`
	Vars     map[string]string `yaml:"vars"`
}

// HookConfig is one deploy hook command.
type HookConfig struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

// HealthConfig configures the health gate.
type HealthConfig struct {
	Mode               HealthMode `yaml:"mode"`
	CandidateService   string     `yaml:"candidate_service"`
	CandidateEndpoints []string   `yaml:"candidate_endpoints"`
	Endpoints          []string   `yaml:"endpoints"`
}

// LoadProject reads and validates a deploy.yaml.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project manifest: %w", err)
	}
	return ParseProject(data)
}

func ParseProject(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse project manifest: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// HookPresets are the stock hook lists a manifest can ask for instead of
// spelling its hooks out.
var HookPresets = map[string][]HookConfig{
	"django": {
		{Name: "install", Command: []string{"venv/bin/pip", "install", "-r", "requirements.txt"}},
		{Name: "migrate", Command: []string{"venv/bin/python", "manage.py", "migrate", "--noinput"}},
		{Name: "collectstatic", Command: []string{"venv/bin/python", "manage.py", "collectstatic", "--noinput"}},
	},
}

func (p *Project) applyDefaults() {
	if preset, ok := HookPresets[p.HooksPreset]; ok && len(p.Hooks) == 0 {
		p.Hooks = append([]HookConfig(nil), preset...)
	}
	if p.Health.Mode == "" {
		p.Health.Mode = HealthPreActivation
	}
	if p.Source.Type == "" {
		p.Source.Type = "git"
	}
	if len(p.Health.Endpoints) == 0 {
		if port, ok := p.Ports["web"]; ok {
			p.Health.Endpoints = append(p.Health.Endpoints, fmt.Sprintf("http://localhost:%d/", port))
		}
		if port, ok := p.Ports["api"]; ok {
			p.Health.Endpoints = append(p.Health.Endpoints, fmt.Sprintf("http://localhost:%d/health", port))
		}
	}
}

func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project manifest: project name required")
	}
	if len(p.Environments) == 0 {
		return fmt.Errorf("project manifest: at least one environment required")
	}
	switch p.Health.Mode {
	case HealthPreActivation:
		if len(p.Health.CandidateEndpoints) == 0 {
			return fmt.Errorf("project manifest: health.candidate_endpoints required for %s", HealthPreActivation)
		}
	case HealthPostActivation:
		if len(p.Health.Endpoints) == 0 {
			return fmt.Errorf("project manifest: health.endpoints required for %s", HealthPostActivation)
		}
	default:
		return fmt.Errorf("project manifest: unknown health mode %q", p.Health.Mode)
	}
	switch p.Source.Type {
	case "git", "dir", "s3":
	default:
		return fmt.Errorf("project manifest: unknown source type %q", p.Source.Type)
	}
	if _, ok := HookPresets[p.HooksPreset]; p.HooksPreset != "" && !ok {
		return fmt.Errorf("project manifest: unknown hooks_preset %q", p.HooksPreset)
	}
	for i, h := range p.Hooks {
		if h.Name == "" || len(h.Command) == 0 {
			return fmt.Errorf("project manifest: hooks[%d] needs name and command", i)
		}
	}
	return nil
}

// Environment returns the named environment or a validation error.
func (p *Project) Environment(name string) (Environment, error) {
	env, ok := p.Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("unknown environment %q (valid: %v)", name, p.EnvironmentNames())
	}
	return env, nil
}

func (p *Project) EnvironmentNames() []string {
	names := make([]string, 0, len(p.Environments))
	for name := range p.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceUnits returns the units to reload for env, falling back to every
// declared service.
func (p *Project) ServiceUnits(env string) []string {
	if e, ok := p.Environments[env]; ok && len(e.Services) > 0 {
		return append([]string(nil), e.Services...)
	}
	roles := make([]string, 0, len(p.Services))
	for role := range p.Services {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	units := make([]string, 0, len(roles))
	for _, role := range roles {
		units = append(units, p.Services[role])
	}
	return units
}

func (p *Project) Hook(name string) (HookConfig, bool) {
	for _, h := range p.Hooks {
		if h.Name == name {
			return h, true
		}
	}
	return HookConfig{}, false
}

// Dir is the on-host project directory under root.
func (p *Project) Dir(root string) string {
	return filepath.Join(root, p.Name)
}
