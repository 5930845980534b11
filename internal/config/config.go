package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "R2MCP_CONFIG"

// Config holds all server configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	Transport string `yaml:"transport"` // http, stdio, streamable
	Debug     bool   `yaml:"debug"`

	Engine    EngineConfig    `yaml:"engine"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Shell     ShellConfig     `yaml:"shell"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// EngineConfig selects and tunes the radare2 backend.
type EngineConfig struct {
	Backend   string   `yaml:"backend"` // pipe, worker
	R2Path    string   `yaml:"r2_path"`
	Evals     []string `yaml:"evals"`
	SocketDir string   `yaml:"socket_dir"`
}

// SessionsConfig controls idle reclamation and target locking.
type SessionsConfig struct {
	IdleTimeout   string `yaml:"idle_timeout"`
	SweepInterval string `yaml:"sweep_interval"`
	LockBuckets   int    `yaml:"lock_buckets"`
}

// KnowledgeConfig configures the annotation store.
type KnowledgeConfig struct {
	Dir string `yaml:"dir"`
}

// ShellConfig configures the privileged shell bridge.
type ShellConfig struct {
	SuPath     string `yaml:"su_path"`
	ScratchDir string `yaml:"scratch_dir"`
}

// LimitsConfig holds output ceilings.
type LimitsConfig struct {
	ReadFileBytes    int `yaml:"read_file_bytes"`
	DecompileMaxSize int `yaml:"decompile_max_size"`
	ShellOutputChars int `yaml:"shell_output_chars"`
	SQLiteRows       int `yaml:"sqlite_rows"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    "0.0.0.0:5050",
		Transport: "http",
		Engine: EngineConfig{
			Backend:   "pipe",
			R2Path:    "radare2",
			SocketDir: os.TempDir(),
		},
		Sessions: SessionsConfig{
			IdleTimeout:   "30m",
			SweepInterval: "1m",
			LockBuckets:   16,
		},
		Knowledge: KnowledgeConfig{
			Dir: defaultKnowledgeDir(),
		},
		Shell: ShellConfig{
			SuPath:     "su",
			ScratchDir: filepath.Join(os.TempDir(), "r2_root_cache"),
		},
		Limits: LimitsConfig{
			ReadFileBytes:    50000,
			DecompileMaxSize: 10000,
			ShellOutputChars: 20000,
			SQLiteRows:       100,
		},
	}
}

func defaultKnowledgeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".r2-headless-mcp", "knowledge")
	}
	return filepath.Join(home, ".r2-headless-mcp", "knowledge")
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".r2-headless-mcp", "config.yaml")
}

// Load reads path over the defaults. An empty path falls back to
// R2MCP_CONFIG, then DefaultPath; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPath)
	}
	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and durations.
func (c *Config) Validate() error {
	switch c.Transport {
	case "http", "stdio", "streamable":
	default:
		return fmt.Errorf("invalid transport: %s (valid: http, stdio, streamable)", c.Transport)
	}
	switch c.Engine.Backend {
	case "pipe", "worker":
	default:
		return fmt.Errorf("invalid engine backend: %s (valid: pipe, worker)", c.Engine.Backend)
	}
	if _, err := time.ParseDuration(c.Sessions.IdleTimeout); err != nil {
		return fmt.Errorf("invalid sessions.idle_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Sessions.SweepInterval); err != nil {
		return fmt.Errorf("invalid sessions.sweep_interval: %w", err)
	}
	return nil
}

// GetIdleTimeout returns the idle session timeout.
func (c *Config) GetIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sessions.IdleTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// GetSweepInterval returns how often idle sessions are reclaimed.
func (c *Config) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Sessions.SweepInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}
