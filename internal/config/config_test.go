package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "kazi.yaml", `
workspace: /tmp/kazi-ws
capabilities:
  dirs: [./caps]
matcher:
  threshold: 0.4
  top_k: 3
sandbox:
  backend: process
  max_memory_mb: 256
adapters:
  default: ollama
  ollama:
    model: llama3.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workspace != "/tmp/kazi-ws" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Sandbox.Backend != "process" {
		t.Errorf("backend = %q", cfg.Sandbox.Backend)
	}
	if cfg.Matcher.MatchThreshold() != 0.4 {
		t.Errorf("threshold = %f", cfg.Matcher.MatchThreshold())
	}
	if cfg.Matcher.MatchTopK() != 3 {
		t.Errorf("top_k = %d", cfg.Matcher.MatchTopK())
	}
	if cfg.Adapters.Default != "ollama" {
		t.Errorf("default adapter = %q", cfg.Adapters.Default)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "kazi.json", `{
  "adapters": {"default": "ollama", "ollama": {"model": "llama3.1"}}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Adapters.Ollama.Model != "llama3.1" {
		t.Errorf("model = %q", cfg.Adapters.Ollama.Model)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "kazi.yaml", `
adapters:
  default: ollama
  ollama:
    model: llama3.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Matcher.MatchThreshold(); got != 0.3 {
		t.Errorf("default threshold = %f, want 0.3", got)
	}
	if got := cfg.Matcher.MatchTopK(); got != 5 {
		t.Errorf("default top_k = %d, want 5", got)
	}
	if got := cfg.Sandbox.ExecutionTimeout().Seconds(); got != 30 {
		t.Errorf("default timeout = %fs, want 30s", got)
	}
	if got := cfg.StorageDriverName(); got != "sqlite" {
		t.Errorf("default storage driver = %q, want sqlite", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("KAZI_WORKSPACE", "/env/ws")

	path := writeConfig(t, "kazi.yaml", `
workspace: /file/ws
adapters:
  default: anthropic
  anthropic:
    model: claude-sonnet-4-5
    api_key: file-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Adapters.Anthropic.APIKey != "env-key" {
		t.Errorf("api key = %q, want env override", cfg.Adapters.Anthropic.APIKey)
	}
	if cfg.Workspace != "/env/ws" {
		t.Errorf("workspace = %q, want env override", cfg.Workspace)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	tests := []struct {
		name    string
		content string
	}{
		{"missing adapter key", `
adapters:
  default: anthropic
  anthropic:
    model: claude-sonnet-4-5
`},
		{"bad sandbox backend", `
sandbox:
  backend: firecracker
adapters:
  default: ollama
  ollama:
    model: llama3.1
`},
		{"bad storage driver", `
storage:
  driver: cassandra
adapters:
  default: ollama
  ollama:
    model: llama3.1
`},
		{"postgres without dsn", `
storage:
  driver: postgres
adapters:
  default: ollama
  ollama:
    model: llama3.1
`},
		{"mcp stdio without command", `
tools:
  mcp:
    - name: github
      transport: stdio
adapters:
  default: ollama
  ollama:
    model: llama3.1
`},
		{"scheduler job without capability", `
scheduler:
  enabled: true
  jobs:
    - name: nightly
      schedule: "0 0 * * *"
adapters:
  default: ollama
  ollama:
    model: llama3.1
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "kazi.yaml", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
