package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvServerToken overrides server.token when set.
const EnvServerToken = "BLDX_SERVER_TOKEN"

// Config is the on-disk configuration for bldx and bldx-server.
type Config struct {
	Worker struct {
		Executable     string   `yaml:"executable"`
		Args           []string `yaml:"args"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		TailBytes      int      `yaml:"tail_bytes"`
		// EnvFile holds KEY=VALUE pairs merged into every worker's environment.
		EnvFile string `yaml:"env_file"`
	} `yaml:"worker"`
	Coordinator struct {
		PoolSize          int `yaml:"pool_size"`
		PollIntervalMS    int `yaml:"poll_interval_ms"`
		MaxPollIntervalMS int `yaml:"max_poll_interval_ms"`
	} `yaml:"coordinator"`
	Cache struct {
		Dir        string `yaml:"dir"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"cache"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Registry struct {
		RetentionSeconds       int `yaml:"retention_seconds"`
		CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	} `yaml:"registry"`
	Server struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
		TLS   struct {
			CertFile     string `yaml:"cert_file"`
			KeyFile      string `yaml:"key_file"`
			ClientCAFile string `yaml:"client_ca_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		OTLPEndpoint   string `yaml:"otlp_endpoint"`
		MonitoringPort int    `yaml:"monitoring_port"`
		// FlushIntervalSeconds is how often buffered metrics are exported.
		FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
	} `yaml:"telemetry"`

	// WorkerEnv is loaded from Worker.EnvFile.
	WorkerEnv map[string]string `yaml:"-"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.Worker.TimeoutSeconds = 1800
	cfg.Worker.TailBytes = 8 * 1024
	cfg.Worker.EnvFile = filepath.Join(configHome(), "bldx", "worker.env")
	cfg.Coordinator.PoolSize = 4
	cfg.Coordinator.PollIntervalMS = 100
	cfg.Coordinator.MaxPollIntervalMS = 2000
	cfg.Cache.Dir = filepath.Join(cacheHome(), "bldx")
	cfg.Cache.TTLSeconds = 24 * 3600
	cfg.Store.Path = filepath.Join(dataHome(), "bldx", "bldx.db")
	cfg.Registry.RetentionSeconds = 3600
	cfg.Registry.CleanupIntervalSeconds = 60
	cfg.Server.Addr = "127.0.0.1:8088"
	cfg.Telemetry.MonitoringPort = 9091
	cfg.Telemetry.FlushIntervalSeconds = 30
	cfg.WorkerEnv = map[string]string{}
	return cfg
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/bldx/config.yaml or
// ~/.config/bldx/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configHome(), "bldx", "config.yaml")
}

// LoadConfig reads YAML configuration over the defaults. With an empty path
// the default location is used and a missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	// Worker secrets live in the env file rather than YAML.
	env, err := LoadEnvFile(cfg.Worker.EnvFile)
	if err != nil {
		return cfg, err
	}
	cfg.WorkerEnv = env
	if v := os.Getenv(EnvServerToken); v != "" {
		cfg.Server.Token = v
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Coordinator.PoolSize < 1:
		return fmt.Errorf("coordinator.pool_size must be at least 1, got %d", c.Coordinator.PoolSize)
	case c.Worker.TimeoutSeconds < 1:
		return fmt.Errorf("worker.timeout_seconds must be positive, got %d", c.Worker.TimeoutSeconds)
	case c.Cache.TTLSeconds < 1:
		return fmt.Errorf("cache.ttl_seconds must be positive, got %d", c.Cache.TTLSeconds)
	case c.Cache.Dir == "":
		return errors.New("cache.dir is required")
	case c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile == "":
		return errors.New("server.tls.key_file is required with cert_file")
	}
	return nil
}

func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Coordinator.PollIntervalMS) * time.Millisecond
}

func (c Config) MaxPollInterval() time.Duration {
	return time.Duration(c.Coordinator.MaxPollIntervalMS) * time.Millisecond
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.Registry.RetentionSeconds) * time.Second
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Registry.CleanupIntervalSeconds) * time.Second
}

func (c Config) TelemetryFlushInterval() time.Duration {
	return time.Duration(c.Telemetry.FlushIntervalSeconds) * time.Second
}

func configHome() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

func cacheHome() string {
	return xdgDir("XDG_CACHE_HOME", ".cache")
}

func dataHome() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func xdgDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return base
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, fallback)
}
