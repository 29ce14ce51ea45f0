// Package config loads the gateway configuration from YAML with
// RANTS_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the RANTS gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Limits     LimitsConfig     `yaml:"limits"`
	RLM        RLMConfig        `yaml:"rlm"`
	Models     ModelsConfig     `yaml:"models"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Resilience ResilienceConfig `yaml:"resilience"`
	State      StateConfig      `yaml:"state"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LimitsConfig struct {
	MaxToolIterations   int    `yaml:"max_tool_iterations"`
	MaxWallclockSeconds int    `yaml:"max_wallclock_seconds"`
	WorkspaceRoot       string `yaml:"workspace_root"`
	ToolOutputMaxBytes  int    `yaml:"tool_output_max_bytes"`
	WebfetchMaxBytes    int    `yaml:"webfetch_max_bytes"`
}

// RLMConfig describes the single virtual model exposed to clients.
type RLMConfig struct {
	RantsOne VirtualModelConfig `yaml:"rants_one"`
}

type VirtualModelConfig struct {
	Name          string `yaml:"name"`
	MaxIterations int    `yaml:"max_iterations"`
	MaxDepth      int    `yaml:"max_depth"`
}

// ModelsConfig routes the generator, tool compiler, and optional vision
// roles to upstream backends.
type ModelsConfig struct {
	Generator    ModelEndpointConfig `yaml:"generator"`
	ToolCompiler ModelEndpointConfig `yaml:"tool_compiler"`
	Vision       ModelEndpointConfig `yaml:"vision"`
}

type ModelEndpointConfig struct {
	Provider     string             `yaml:"provider"`
	BaseURL      string             `yaml:"base_url"`
	Model        string             `yaml:"model"`
	APIKey       string             `yaml:"api_key"`
	Capabilities []string           `yaml:"capabilities"`
	Parameters   map[string]float64 `yaml:"parameters"`
}

// HasCapability reports whether the endpoint declares the capability.
func (m ModelEndpointConfig) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Configured reports whether the endpoint is routed anywhere.
func (m ModelEndpointConfig) Configured() bool {
	return m.BaseURL != ""
}

type AuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key      string `yaml:"key"`
	TenantID string `yaml:"tenant_id"`
	Name     string `yaml:"name"`
}

type RateLimitsConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type ResilienceConfig struct {
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	MaxRetries            int     `yaml:"max_retries"`
	BackoffSeconds        float64 `yaml:"backoff_seconds"`
}

// RequestTimeout returns the per-request deadline as a duration.
func (r ResilienceConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

// Backoff returns the base backoff as a duration.
func (r ResilienceConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffSeconds * float64(time.Second))
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type ToolsConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults, matching a development
// single-tenant deployment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Limits: LimitsConfig{
			MaxToolIterations:   6,
			MaxWallclockSeconds: 120,
			WorkspaceRoot:       "/work",
			ToolOutputMaxBytes:  16384,
			WebfetchMaxBytes:    5 << 20,
		},
		RLM: RLMConfig{
			RantsOne: VirtualModelConfig{
				Name:          "rants-one",
				MaxIterations: 10,
				MaxDepth:      2,
			},
		},
		RateLimits: RateLimitsConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Resilience: ResilienceConfig{
			RequestTimeoutSeconds: 120,
			MaxRetries:            2,
			BackoffSeconds:        0.5,
		},
		State:   StateConfig{SQLitePath: "/work/rants.sqlite"},
		Tools:   ToolsConfig{MaxConcurrency: 4},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path, merges it over the defaults, and
// applies RANTS_ environment overrides. A missing file is not an error;
// the defaults plus environment apply.
func Load(path string) (*Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	applyEnvOverrides(raw, os.Environ())

	cfg := DefaultConfig()
	merged, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Limits.MaxToolIterations <= 0 {
		return fmt.Errorf("limits.max_tool_iterations must be positive")
	}
	if c.Limits.MaxWallclockSeconds <= 0 {
		return fmt.Errorf("limits.max_wallclock_seconds must be positive")
	}
	if c.RLM.RantsOne.Name == "" {
		return fmt.Errorf("rlm.rants_one.name is required")
	}
	if c.RLM.RantsOne.MaxDepth < 0 {
		return fmt.Errorf("rlm.rants_one.max_depth must not be negative")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one api key")
	}
	return nil
}

// Wallclock returns the per-session wallclock budget.
func (c *Config) Wallclock() time.Duration {
	return time.Duration(c.Limits.MaxWallclockSeconds) * time.Second
}
