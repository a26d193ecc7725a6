// Package config handles loading and validating sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for sanduku.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8000". Override: SANDUKU_LISTEN_ADDR.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`                       // Serve OpenAPI docs.
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
}

// AuthConfig configures credentials and session lifetime.
type AuthConfig struct {
	// TokenSecret seeds the built-in derived API tokens. Never logged.
	// Override: SANDUKU_TOKEN_SECRET.
	TokenSecret string `json:"token_secret,omitempty" yaml:"token_secret,omitempty"`

	// TokensFile is an optional file of "username:sha256hex" lines holding
	// pre-hashed API tokens. Plaintext tokens never appear on disk.
	TokensFile string `json:"tokens_file,omitempty" yaml:"tokens_file,omitempty"`

	// AuthorizedKeysPath is an OpenSSH authorized_keys file. Default: ~/.ssh/authorized_keys.
	AuthorizedKeysPath string `json:"authorized_keys_path,omitempty" yaml:"authorized_keys_path,omitempty"`

	// SessionTTLHours is the session lifetime. Default: 24.
	SessionTTLHours int `json:"session_ttl_hours" yaml:"session_ttl_hours"`

	// AdminUsers may call the admin endpoints. Default: ["admin", "root"].
	AdminUsers []string `json:"admin_users,omitempty" yaml:"admin_users,omitempty"`

	// SweepIntervalSeconds is the cadence of the background expiry sweep.
	// Lookup always re-checks expiry itself; the sweep only reclaims memory.
	// Default: 60.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// SessionTTL returns the configured session lifetime.
func (a AuthConfig) SessionTTL() time.Duration {
	if a.SessionTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.SessionTTLHours) * time.Hour
}

// SandboxConfig configures per-session isolation and resource quotas.
type SandboxConfig struct {
	Root                string `json:"root" yaml:"root"`                                   // Sandbox trees live under Root/<session-id>. Override: SANDUKU_SANDBOX_ROOT.
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Wall-clock timeout. Default: 30. Override: SANDUKU_MAX_EXECUTION_TIME.
	MaxOutputBytes      int    `json:"max_output_bytes" yaml:"max_output_bytes"`           // Per-stream cap. Default: 1 MiB. Override: SANDUKU_MAX_OUTPUT_SIZE.
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                 // ulimit -v. Default: 512.
	MaxCPUSeconds       int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // ulimit -t. Default: 60.
	MaxProcesses        int    `json:"max_processes" yaml:"max_processes"`                 // In-flight invocations per session and ulimit -u. Default: 10. Override: SANDUKU_MAX_PROCESSES.
}

// MaxExecution returns the wall-clock execution timeout.
func (s SandboxConfig) MaxExecution() time.Duration {
	if s.MaxExecutionSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.MaxExecutionSeconds) * time.Second
}

// PolicyConfig configures the command allow and block lists.
type PolicyConfig struct {
	AllowedTools    []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	BlockedCommands []string `json:"blocked_commands,omitempty" yaml:"blocked_commands,omitempty"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	LogPath    string `json:"log_path" yaml:"log_path"`       // Append-only JSONL file. Override: SANDUKU_AUDIT_LOG.
	BufferSize int    `json:"buffer_size" yaml:"buffer_size"` // In-memory ring capacity. Default: 1000.

	// Storage mirrors audit events into a relational store.
	// Driver "" disables it; "sqlite" and "postgres" are supported.
	Storage AuditStorageConfig `json:"storage" yaml:"storage"`
}

// AuditStorageConfig selects the durable audit backend.
type AuditStorageConfig struct {
	Driver      string `json:"driver,omitempty" yaml:"driver,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"` // Override: SANDUKU_AUDIT_DSN.
}

// RateLimitConfig configures per-session request rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// AnomalyConfig configures threshold-based anomaly detection over command
// outcomes. Alerts are structured log warnings, not pages.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0–1.0. 0 disables the check.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultAllowedTools is the built-in allow list of sandbox tools.
var DefaultAllowedTools = []string{
	"git", "curl", "wget", "ssh", "scp", "rsync",
	"docker", "kubectl", "terraform", "ansible",
	"grep", "awk", "sed", "find", "cat", "ls", "pwd",
}

// DefaultBlockedCommands is the built-in block list. Checked before the
// allow list so a command on both lists is always rejected as blocked.
var DefaultBlockedCommands = []string{
	"rm", "rmdir", "delete", "format", "fdisk",
	"mkfs", "mount", "umount", "reboot", "shutdown",
	"systemctl", "service", "kill", "killall",
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. A missing file at the default path is not an error; the
// service then runs on defaults plus environment overrides, which always
// take precedence over file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
			case ".yml", ".yaml":
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
				}
			default:
				if err := json.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
				}
			}
		case os.IsNotExist(err) && resolved == mustResolve(DefaultConfigPath()):
			// Default path absent: run on defaults.
		default:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDUKU_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SANDUKU_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv("SANDUKU_AUTHORIZED_KEYS"); v != "" {
		c.Auth.AuthorizedKeysPath = v
	}
	if v := os.Getenv("SANDUKU_SANDBOX_ROOT"); v != "" {
		c.Sandbox.Root = v
	}
	if v, ok := envInt("SANDUKU_MAX_EXECUTION_TIME"); ok {
		c.Sandbox.MaxExecutionSeconds = v
	}
	if v, ok := envInt("SANDUKU_MAX_OUTPUT_SIZE"); ok {
		c.Sandbox.MaxOutputBytes = v
	}
	if v, ok := envInt("SANDUKU_MAX_PROCESSES"); ok {
		c.Sandbox.MaxProcesses = v
	}
	if v := os.Getenv("SANDUKU_AUDIT_LOG"); v != "" {
		c.Audit.LogPath = v
	}
	if v := os.Getenv("SANDUKU_AUDIT_DSN"); v != "" {
		c.Audit.Storage.PostgresDSN = v
	}
}

// applyDefaults fills zero values with safe defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8000"
	}
	if c.Server.MaxRequestSizeBytes <= 0 {
		c.Server.MaxRequestSizeBytes = 1 << 20
	}
	if c.Auth.AuthorizedKeysPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Auth.AuthorizedKeysPath = filepath.Join(home, ".ssh", "authorized_keys")
		}
	}
	if c.Auth.SessionTTLHours <= 0 {
		c.Auth.SessionTTLHours = 24
	}
	if len(c.Auth.AdminUsers) == 0 {
		c.Auth.AdminUsers = []string{"admin", "root"}
	}
	if c.Auth.SweepIntervalSeconds <= 0 {
		c.Auth.SweepIntervalSeconds = 60
	}
	if c.Sandbox.Root == "" {
		c.Sandbox.Root = defaultStateDir("sandbox")
	}
	if c.Sandbox.MaxExecutionSeconds <= 0 {
		c.Sandbox.MaxExecutionSeconds = 30
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		c.Sandbox.MaxOutputBytes = 1 << 20
	}
	if c.Sandbox.MaxMemoryMB <= 0 {
		c.Sandbox.MaxMemoryMB = 512
	}
	if c.Sandbox.MaxCPUSeconds <= 0 {
		c.Sandbox.MaxCPUSeconds = 60
	}
	if c.Sandbox.MaxProcesses <= 0 {
		c.Sandbox.MaxProcesses = 10
	}
	if len(c.Policy.AllowedTools) == 0 {
		c.Policy.AllowedTools = append([]string(nil), DefaultAllowedTools...)
	}
	if len(c.Policy.BlockedCommands) == 0 {
		c.Policy.BlockedCommands = append([]string(nil), DefaultBlockedCommands...)
	}
	if c.Audit.LogPath == "" {
		c.Audit.LogPath = defaultStateDir("audit.jsonl")
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 1000
	}
	if c.Audit.Storage.Driver == "sqlite" && c.Audit.Storage.SQLitePath == "" {
		c.Audit.Storage.SQLitePath = defaultStateDir("audit.db")
	}
}

func (c *Config) validate() error {
	switch c.Audit.Storage.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Audit.Storage.PostgresDSN == "" {
			return fmt.Errorf("audit storage driver %q requires a DSN", c.Audit.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown audit storage driver %q", c.Audit.Storage.Driver)
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be >= 0")
	}
	return nil
}

// defaultStateDir resolves a path under ~/.sanduku.
func defaultStateDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sanduku", name)
	}
	return filepath.Join(home, ".sanduku", name)
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

func mustResolve(path string) string {
	resolved, err := resolvePath(path)
	if err != nil {
		return path
	}
	return resolved
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
