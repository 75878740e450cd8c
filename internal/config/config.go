// Package config provides configuration management for the simfs daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajaxzhan/simfs/pkg/types"
)

// Config represents the complete daemon configuration.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Storage    StorageConfig              `yaml:"storage"`
	Filesystem FilesystemConfig           `yaml:"filesystem"`
	Locks      LocksConfig                `yaml:"locks"`
	Quotas     []types.QuotaConfiguration `yaml:"quotas"`
	Aliases    []AliasConfig              `yaml:"aliases"`
	Mount      MountConfig                `yaml:"mount"`
	Logging    LoggingConfig              `yaml:"logging"`
	Metrics    MetricsConfig              `yaml:"metrics"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, file or badger
	Path string `yaml:"path"`
}

// FilesystemConfig holds defaults applied to actors that do not set them.
type FilesystemConfig struct {
	DefaultUmask string `yaml:"default_umask"` // octal, e.g. "022"
	MaxFileSize  int64  `yaml:"max_file_size"` // bytes; 0 means the store default
}

// LocksConfig holds the polling schedule of blocking lock requests.
type LocksConfig struct {
	InitialBackoff string  `yaml:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
}

// AliasConfig is an alias registered at startup.
type AliasConfig struct {
	Name    string `yaml:"name"`
	Target  string `yaml:"target"`
	Symlink bool   `yaml:"symlink"`
}

// MountConfig holds FUSE mount configuration.
type MountConfig struct {
	Path       string `yaml:"path"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the prometheus endpoint on the HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: ":9000",
			HTTPAddr: ":8080",
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		Filesystem: FilesystemConfig{
			DefaultUmask: "022",
		},
		Locks: LocksConfig{
			InitialBackoff: "10ms",
			MaxBackoff:     "1s",
			Multiplier:     2,
		},
		Mount: MountConfig{
			Path: "/tmp/simfs/mnt",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "", "memory":
	case "file", "badger":
		if c.Storage.Path == "" && c.Storage.Type == "file" {
			return errors.New("storage.path is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if _, err := parseOctal(c.Filesystem.DefaultUmask, 0o777); err != nil {
		return fmt.Errorf("filesystem.default_umask: %w", err)
	}
	if c.Filesystem.MaxFileSize < 0 {
		return fmt.Errorf("filesystem.max_file_size cannot be negative, got %d", c.Filesystem.MaxFileSize)
	}
	if c.Locks.Multiplier != 0 && c.Locks.Multiplier < 1 {
		return fmt.Errorf("locks.multiplier must be at least 1, got %v", c.Locks.Multiplier)
	}

	seen := make(map[uint32]bool)
	for _, q := range c.Quotas {
		if q.QuotaBytes < 0 {
			return fmt.Errorf("quota for group %d is negative", q.GroupID)
		}
		if seen[q.GroupID] {
			return fmt.Errorf("duplicate quota for group %d", q.GroupID)
		}
		seen[q.GroupID] = true
	}
	for _, a := range c.Aliases {
		if a.Name == "" || a.Target == "" {
			return fmt.Errorf("alias %q needs a name and a target", a.Name)
		}
	}
	return nil
}

func parseOctal(s string, limit uint64) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not octal", s)
	}
	if n > limit {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return uint32(n), nil
}

// GetDefaultUmask returns the umask for actors that do not send one.
func (c *FilesystemConfig) GetDefaultUmask() uint32 {
	n, err := parseOctal(c.DefaultUmask, 0o777)
	if err != nil || c.DefaultUmask == "" {
		return 0o022
	}
	return n
}

// GetInitialBackoff returns the first lock polling delay.
func (c *LocksConfig) GetInitialBackoff() time.Duration {
	d, err := time.ParseDuration(c.InitialBackoff)
	if err != nil {
		return 10 * time.Millisecond
	}
	return d
}

// GetMaxBackoff returns the cap on the lock polling delay.
func (c *LocksConfig) GetMaxBackoff() time.Duration {
	d, err := time.ParseDuration(c.MaxBackoff)
	if err != nil {
		return time.Second
	}
	return d
}

// GetMultiplier returns the backoff growth factor.
func (c *LocksConfig) GetMultiplier() float64 {
	if c.Multiplier < 1 {
		return 2
	}
	return c.Multiplier
}
