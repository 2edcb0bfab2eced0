// Package config handles loading and validating kazi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kazi.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Session working areas. Default: ~/.kazi/workspace. Override: KAZI_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.kazi/data. Override: KAZI_DATA_DIR env var.
	Capabilities  CapabilitiesConfig   `json:"capabilities" yaml:"capabilities"`
	Matcher       MatcherConfig        `json:"matcher" yaml:"matcher"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Adapters      AdaptersConfig       `json:"adapters" yaml:"adapters"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir).
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = scheduler disabled.
}

// CapabilitiesConfig controls where capability descriptors are loaded from.
type CapabilitiesConfig struct {
	Dirs []string `json:"dirs" yaml:"dirs"` // Directories scanned for *.yml/*.yaml descriptors.
}

// MatcherConfig tunes query-to-capability matching.
type MatcherConfig struct {
	Threshold float64 `json:"threshold" yaml:"threshold"` // Minimum score to surface a match. Default: 0.3.
	TopK      int     `json:"top_k" yaml:"top_k"`         // Maximum matches returned. Default: 5.
}

// MatchThreshold returns the threshold with a default of 0.3.
func (m MatcherConfig) MatchThreshold() float64 {
	if m.Threshold > 0 {
		return m.Threshold
	}
	return 0.3
}

// MatchTopK returns top_k with a default of 5.
func (m MatcherConfig) MatchTopK() int {
	if m.TopK > 0 {
		return m.TopK
	}
	return 5
}

// SandboxConfig holds session defaults. Capability descriptors override
// these per capability.
type SandboxConfig struct {
	Backend             string  `json:"backend" yaml:"backend"` // "none", "process" or "docker". Default: "docker".
	Interpreter         string  `json:"interpreter" yaml:"interpreter"`
	Image               string  `json:"image" yaml:"image"` // Container image (e.g. "kazi-runtime:latest").
	MaxMemoryMB         int     `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUCores         float64 `json:"max_cpu_cores" yaml:"max_cpu_cores"`
	PIDsLimit           int     `json:"pids_limit" yaml:"pids_limit"`
	MaxExecutionSeconds int     `json:"max_execution_seconds" yaml:"max_execution_seconds"`
	NetworkAllowed      bool    `json:"network_allowed" yaml:"network_allowed"`
}

// ExecutionTimeout returns the default per-execution timeout with a
// default of 30s.
func (s SandboxConfig) ExecutionTimeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// ToolsConfig configures tool sources for tool-type capabilities:
// built-in tools plus external MCP servers.
type ToolsConfig struct {
	Web  *WebToolConfig    `json:"web,omitempty" yaml:"web,omitempty"`   // nil = web_fetch disabled.
	File *FileToolConfig   `json:"file,omitempty" yaml:"file,omitempty"` // nil = file_read/file_write disabled.
	MCP  []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"`   // External MCP tool servers.
}

// WebToolConfig configures the built-in web_fetch tool.
type WebToolConfig struct {
	AllowedDomains   []string `json:"allowed_domains" yaml:"allowed_domains"` // Empty = deny all.
	MaxResponseBytes int64    `json:"max_response_bytes,omitempty" yaml:"max_response_bytes,omitempty"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// FileToolConfig configures the built-in file_read/file_write tools.
// The workspace directory is always allowed in addition to these paths.
type FileToolConfig struct {
	AllowedPaths     []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	MaxFileSizeBytes int64    `json:"max_file_size_bytes,omitempty" yaml:"max_file_size_bytes,omitempty"`
}

// MCPServerConfig defines a single external MCP server connection.
// kazi acts as an MCP client, connecting at startup, discovering tools,
// and registering them in the tool registry.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// AdaptersConfig configures the model adapters behind generative
// capabilities.
type AdaptersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic", "openai", "ollama". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback adapters tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// StorageConfig configures the execution history backend.
// When nil, defaults to SQLite with the database path derived from the
// data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// PoolMaxOpenConns returns max_open_conns with a default of 25.
func (p *PostgresStorageConfig) PoolMaxOpenConns() int {
	if p != nil && p.MaxOpenConns > 0 {
		return p.MaxOpenConns
	}
	return 25
}

// PoolMaxIdleConns returns max_idle_conns with a default of 5.
func (p *PostgresStorageConfig) PoolMaxIdleConns() int {
	if p != nil && p.MaxIdleConns > 0 {
		return p.MaxIdleConns
	}
	return 5
}

// PoolConnMaxLifetime returns conn_max_lifetime_s with a default of 30
// minutes.
func (p *PostgresStorageConfig) PoolConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":9090".
	Path       string `json:"path" yaml:"path"`               // Default: "/metrics".
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// MetricsListenAddr returns the listen address with a default of ":9090".
func (m *MetricsConfig) MetricsListenAddr() string {
	if m != nil && m.ListenAddr != "" {
		return m.ListenAddr
	}
	return ":9090"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// SchedulerConfig configures cron-scheduled capability runs.
// When nil, the scheduler is not started.
type SchedulerConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Jobs    []ScheduledJob `json:"jobs" yaml:"jobs"`
}

// ScheduledJob runs one capability on a cron schedule.
type ScheduledJob struct {
	Name       string         `json:"name" yaml:"name"`
	Schedule   string         `json:"schedule" yaml:"schedule"` // Standard cron spec, e.g. "0 * * * *".
	Capability string         `json:"capability" yaml:"capability"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Session    string         `json:"session,omitempty" yaml:"session,omitempty"` // Reused session ID. Empty = per-run session.
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Adapter API keys can be set in the config
// file or overridden by environment variables; environment variables
// take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variables on top of file values.
func applyEnvOverrides(cfg *Config) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Adapters.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Adapters.OpenAI.APIKey = envKey
	}
	if envWS := os.Getenv("KAZI_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envDD := os.Getenv("KAZI_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("KAZI_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedWorkspace returns the workspace directory, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "workspace"
		}
		return filepath.Join(home, ".kazi", "workspace")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kazi", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kazi.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.Adapters.Default == "" {
		c.Adapters.Default = "anthropic"
	}
	if err := c.validateAdapter(c.Adapters.Default); err != nil {
		return err
	}
	for _, name := range c.Adapters.Fallback {
		if err := c.validateAdapter(name); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	switch c.Sandbox.Backend {
	case "", "none", "process", "docker":
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use none, process, or docker)", c.Sandbox.Backend)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Driver == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set KAZI_DB_DSN)")
		}
	}
	if c.Scheduler != nil && c.Scheduler.Enabled {
		for i, job := range c.Scheduler.Jobs {
			if job.Schedule == "" {
				return fmt.Errorf("scheduler.jobs[%d].schedule is required", i)
			}
			if job.Capability == "" {
				return fmt.Errorf("scheduler.jobs[%d].capability is required", i)
			}
		}
	}
	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}

// validateAdapter checks that the named adapter has the required fields.
func (c *Config) validateAdapter(name string) error {
	switch name {
	case "anthropic":
		if c.Adapters.Anthropic.Model == "" {
			return fmt.Errorf("adapters.anthropic.model is required")
		}
		if c.Adapters.Anthropic.APIKey == "" {
			return fmt.Errorf("adapters.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Adapters.OpenAI.Model == "" {
			return fmt.Errorf("adapters.openai.model is required")
		}
		if c.Adapters.OpenAI.APIKey == "" {
			return fmt.Errorf("adapters.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "ollama":
		if c.Adapters.Ollama.Model == "" {
			return fmt.Errorf("adapters.ollama.model is required")
		}
	default:
		return fmt.Errorf("adapter %q is not supported (use anthropic, openai, or ollama)", name)
	}
	return nil
}
