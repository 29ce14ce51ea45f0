package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Limits.MaxToolIterations != 6 {
		t.Errorf("MaxToolIterations = %d, want 6", cfg.Limits.MaxToolIterations)
	}
	if cfg.RLM.RantsOne.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d, want 2", cfg.RLM.RantsOne.MaxDepth)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9100
limits:
  max_tool_iterations: 3
rlm:
  rants_one:
    name: rants-test
models:
  generator:
    base_url: http://localhost:1234/v1
    model: gen-model
  tool_compiler:
    base_url: http://localhost:1235/v1
    model: tc-model
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Limits.MaxToolIterations != 3 {
		t.Errorf("max_tool_iterations = %d, want 3", cfg.Limits.MaxToolIterations)
	}
	if cfg.RLM.RantsOne.Name != "rants-test" {
		t.Errorf("name = %q, want rants-test", cfg.RLM.RantsOne.Name)
	}
	// Defaults survive partial files.
	if cfg.Limits.MaxWallclockSeconds != 120 {
		t.Errorf("max_wallclock_seconds = %d, want default 120", cfg.Limits.MaxWallclockSeconds)
	}
	if cfg.Models.Generator.Model != "gen-model" {
		t.Errorf("generator model = %q", cfg.Models.Generator.Model)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d, want default 8000", cfg.Server.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	raw := map[string]any{}
	applyEnvOverrides(raw, []string{
		"RANTS_SERVER__PORT=9200",
		"RANTS_RATE_LIMITS__ENABLED=true",
		"RANTS_AUTH__API_KEYS__0__KEY=sk-test",
		"RANTS_AUTH__API_KEYS__0__TENANT_ID=acme",
		"RANTS_RESILIENCE__BACKOFF_SECONDS=0.25",
		"OTHER_VAR=ignored",
	})

	server, ok := raw["server"].(map[string]any)
	if !ok || server["port"] != 9200 {
		t.Errorf("server.port override missing: %#v", raw["server"])
	}
	rl, ok := raw["rate_limits"].(map[string]any)
	if !ok || rl["enabled"] != true {
		t.Errorf("rate_limits.enabled override missing: %#v", raw["rate_limits"])
	}
	authMap, _ := raw["auth"].(map[string]any)
	keys, _ := authMap["api_keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("api_keys = %#v, want one entry", authMap)
	}
	entry, _ := keys[0].(map[string]any)
	if entry["key"] != "sk-test" || entry["tenant_id"] != "acme" {
		t.Errorf("api_keys[0] = %#v", entry)
	}
	res, _ := raw["resilience"].(map[string]any)
	if res["backoff_seconds"] != 0.25 {
		t.Errorf("backoff_seconds = %#v, want 0.25", res["backoff_seconds"])
	}
	if _, exists := raw["other_var"]; exists {
		t.Error("non-prefixed variable must be ignored")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Limits.MaxToolIterations = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"empty model name", func(c *Config) { c.RLM.RantsOne.Name = "" }},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
