// Package config provides configuration management for sandboxd.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/sandboxd/pkg/agent"
)

// Runtime backends.
const (
	BackendDocker = "docker"
	BackendModal  = "modal"
)

// Config holds all configuration for sandboxd. It is built once at startup
// and passed by reference.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Agent   AgentConfig   `yaml:"agent"`
	Git     GitConfig     `yaml:"git"`
	Log     LogConfig     `yaml:"log"`

	// File is the YAML file the config was loaded from, if any.
	File string `yaml:"-"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// Addr is the address the HTTP server listens on (e.g., ":7080").
	Addr string `yaml:"addr"`
	// APISecret is the bearer token required on every request. Empty means
	// development mode: requests are not authenticated.
	APISecret string `yaml:"api_secret"`
	// RequestTimeout bounds the ledger read endpoints. Lifecycle operations
	// run detached and are not cut off by it.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig configures the audit ledger.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
}

// RuntimeConfig selects and configures the sandbox backend.
type RuntimeConfig struct {
	Backend string       `yaml:"backend"`
	Docker  DockerConfig `yaml:"docker"`
	Modal   ModalConfig  `yaml:"modal"`
}

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
}

// ModalConfig configures the Modal backend. Credentials come from the
// Modal SDK's own environment (MODAL_TOKEN_ID, MODAL_TOKEN_SECRET).
type ModalConfig struct {
	App   string `yaml:"app"`
	Image string `yaml:"image"`
}

// SandboxConfig is the resource profile of every sandbox.
type SandboxConfig struct {
	CPU      float64       `yaml:"cpu"`
	MemoryMB int           `yaml:"memory_mb"`
	Timeout  time.Duration `yaml:"timeout"`
	Workdir  string        `yaml:"workdir"`
}

// AgentConfig selects the agent server and its readiness probe.
type AgentConfig struct {
	Name          string        `yaml:"name"`
	ProbeAttempts int           `yaml:"probe_attempts"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	LogTail       int           `yaml:"log_tail"`
}

// GitConfig configures repository access.
type GitConfig struct {
	Host string `yaml:"host"`
	// APIURL is a GitHub Enterprise API base URL. Empty means github.com.
	APIURL       string `yaml:"api_url"`
	BranchPrefix string `yaml:"branch_prefix"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":7080",
			RequestTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Runtime: RuntimeConfig{
			Backend: BackendDocker,
			Docker: DockerConfig{
				Image:   "sandboxd-agent",
				Network: "sandboxd-net",
			},
			Modal: ModalConfig{
				App: "sandboxd",
			},
		},
		Sandbox: SandboxConfig{
			CPU:      1.0,
			MemoryMB: 2048,
			Timeout:  10 * time.Minute,
			Workdir:  "/workspace",
		},
		Agent: AgentConfig{
			Name:          "opencode",
			ProbeAttempts: 30,
			ProbeInterval: 2 * time.Second,
			LogTail:       500,
		},
		Git: GitConfig{
			Host:         "github.com",
			BranchPrefix: "opencode",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from, in increasing precedence: built-in defaults,
// the YAML file (configPath, $SANDBOXD_CONFIG or ./sandboxd.yaml), the
// ~/.sandboxd/config.env file and SANDBOXD_* environment variables.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if path := DiscoverFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
		cfg.File = path
	}

	// Existing env vars take precedence over config.env.
	loadEnvFile(filepath.Join(defaultDataDir(), "config.env"))
	applyEnvOverrides(&cfg)

	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(cfg.Storage.DataDir, "sandboxd.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &cfg, nil
}

// DiscoverFile returns the YAML file Load would read, or "" when there is
// none.
func DiscoverFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("SANDBOXD_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("sandboxd.yaml"); err == nil {
		return "sandboxd.yaml"
	}
	return ""
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadEnvFile reads KEY=VALUE lines and sets any values that are not
// already present in the environment.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Addr = envOr("SANDBOXD_ADDR", cfg.Server.Addr)
	cfg.Server.APISecret = envOr("SANDBOXD_API_SECRET", cfg.Server.APISecret)
	cfg.Server.RequestTimeout = envOrDuration("SANDBOXD_REQUEST_TIMEOUT", cfg.Server.RequestTimeout)

	cfg.Storage.DataDir = envOr("SANDBOXD_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DatabasePath = envOr("SANDBOXD_DB_PATH", cfg.Storage.DatabasePath)

	cfg.Runtime.Backend = envOr("SANDBOXD_RUNTIME", cfg.Runtime.Backend)
	cfg.Runtime.Docker.Image = envOr("SANDBOXD_DOCKER_IMAGE", cfg.Runtime.Docker.Image)
	cfg.Runtime.Docker.Network = envOr("SANDBOXD_DOCKER_NETWORK", cfg.Runtime.Docker.Network)
	cfg.Runtime.Modal.App = envOr("SANDBOXD_MODAL_APP", cfg.Runtime.Modal.App)
	cfg.Runtime.Modal.Image = envOr("SANDBOXD_MODAL_IMAGE", cfg.Runtime.Modal.Image)

	cfg.Sandbox.CPU = envOrFloat("SANDBOXD_CPU", cfg.Sandbox.CPU)
	cfg.Sandbox.MemoryMB = envOrInt("SANDBOXD_MEMORY_MB", cfg.Sandbox.MemoryMB)
	cfg.Sandbox.Timeout = envOrDuration("SANDBOXD_TIMEOUT", cfg.Sandbox.Timeout)
	cfg.Sandbox.Workdir = envOr("SANDBOXD_WORKDIR", cfg.Sandbox.Workdir)

	cfg.Agent.Name = envOr("SANDBOXD_AGENT", cfg.Agent.Name)
	cfg.Agent.ProbeAttempts = envOrInt("SANDBOXD_PROBE_ATTEMPTS", cfg.Agent.ProbeAttempts)
	cfg.Agent.ProbeInterval = envOrDuration("SANDBOXD_PROBE_INTERVAL", cfg.Agent.ProbeInterval)
	cfg.Agent.LogTail = envOrInt("SANDBOXD_LOG_TAIL", cfg.Agent.LogTail)

	cfg.Git.Host = envOr("SANDBOXD_GIT_HOST", cfg.Git.Host)
	cfg.Git.APIURL = envOr("SANDBOXD_GITHUB_API_URL", cfg.Git.APIURL)
	cfg.Git.BranchPrefix = envOr("SANDBOXD_BRANCH_PREFIX", cfg.Git.BranchPrefix)

	cfg.Log.Level = envOr("SANDBOXD_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("SANDBOXD_LOG_FORMAT", cfg.Log.Format)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Runtime.Backend {
	case BackendDocker:
		if c.Runtime.Docker.Image == "" {
			errs = append(errs, errors.New("runtime.docker.image is required"))
		}
	case BackendModal:
		if c.Runtime.Modal.App == "" || c.Runtime.Modal.Image == "" {
			errs = append(errs, errors.New("runtime.modal.app and runtime.modal.image are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("runtime.backend must be %q or %q, got %q", BackendDocker, BackendModal, c.Runtime.Backend))
	}
	if c.Sandbox.CPU <= 0 {
		errs = append(errs, errors.New("sandbox.cpu must be positive"))
	}
	if c.Sandbox.MemoryMB <= 0 {
		errs = append(errs, errors.New("sandbox.memory_mb must be positive"))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if !strings.HasPrefix(c.Sandbox.Workdir, "/") {
		errs = append(errs, errors.New("sandbox.workdir must be an absolute path"))
	}
	if _, err := agent.Get(c.Agent.Name); err != nil {
		errs = append(errs, fmt.Errorf("agent.name: %w (known: %v)", err, agent.Names()))
	}
	if c.Agent.ProbeAttempts < 1 {
		errs = append(errs, errors.New("agent.probe_attempts must be at least 1"))
	}
	if c.Agent.ProbeInterval <= 0 {
		errs = append(errs, errors.New("agent.probe_interval must be positive"))
	}
	if c.Agent.LogTail <= 0 {
		errs = append(errs, errors.New("agent.log_tail must be positive"))
	}
	if c.Git.Host == "" {
		errs = append(errs, errors.New("git.host is required"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// DevMode reports whether requests are accepted without authentication.
func (c *Config) DevMode() bool {
	return c.Server.APISecret == ""
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Server.APISecret != "" {
		out.Server.APISecret = "[REDACTED]"
	}
	return out
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sandboxd"
	}
	return filepath.Join(home, ".sandboxd")
}
