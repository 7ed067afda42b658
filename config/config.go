// Package config loads bridge configuration. Configuration is layered:
// user-level YAML (~/.acpbridge/config.yaml), then project-level YAML
// (./.acpbridge/config.yaml), then environment variables, each overriding
// the previous layer.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/acpbridge/acpbridge/errors"
)

// PermissionMode is the per-session tool approval policy.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "accept_edits"
	PermissionBypass      PermissionMode = "bypass_permissions"
	PermissionPlan        PermissionMode = "plan"
)

// BackendMode selects the preferred backend adapter.
type BackendMode string

const (
	BackendSubprocess BackendMode = "subprocess"
	BackendHTTP       BackendMode = "http"
)

// CacheStrategy selects the eviction policy for optional caches.
type CacheStrategy string

const (
	CacheLRU  CacheStrategy = "lru"
	CacheLFU  CacheStrategy = "lfu"
	CacheFIFO CacheStrategy = "fifo"
)

// PathPolicy restricts what the permission broker will allow without
// confirmation. Patterns use doublestar glob syntax relative to the
// session working directory.
type PathPolicy struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// BackendConfig configures the backend agent adapters.
type BackendConfig struct {
	Mode        BackendMode `yaml:"mode"`
	Path        string      `yaml:"path"`
	Provider    string      `yaml:"provider"`
	APIKey      string      `yaml:"api_key"`
	Model       string      `yaml:"model"`
	Temperature float64     `yaml:"temperature"`
	MaxTokens   int         `yaml:"max_tokens"`
}

// CacheConfig configures the optional decision caches.
type CacheConfig struct {
	MaxSize  int           `yaml:"max_size"`
	TTLMS    int           `yaml:"ttl_ms"`
	Strategy CacheStrategy `yaml:"strategy"`
}

// Config is the resolved bridge configuration.
type Config struct {
	PermissionMode PermissionMode `yaml:"permission_mode"`
	MaxTurns       int            `yaml:"max_turns"`
	Debug          bool           `yaml:"debug"`
	LogFile        string         `yaml:"log_file"`
	Backend        BackendConfig  `yaml:"backend"`
	Permissions    PathPolicy     `yaml:"permissions"`
	Cache          CacheConfig    `yaml:"cache"`
	DangerCommands []string       `yaml:"danger_commands"`
}

// Load resolves configuration from config files and the environment.
func Load() (*Config, error) {
	cfg := defaults()

	// User-level config first.
	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".acpbridge", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			if err := loadFromFile(userPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Project-level config overrides user-level.
	if wd, err := os.Getwd(); err == nil {
		projectPath := filepath.Join(wd, ".acpbridge", "config.yaml")
		if _, err := os.Stat(projectPath); err == nil {
			if err := loadFromFile(projectPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading project config")
			}
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		PermissionMode: PermissionDefault,
		Backend: BackendConfig{
			Mode:        BackendSubprocess,
			Provider:    "anthropic",
			Temperature: 0.0,
			MaxTokens:   4096,
		},
		Cache: CacheConfig{
			MaxSize:  256,
			TTLMS:    15 * 60 * 1000,
			Strategy: CacheLRU,
		},
		DangerCommands: []string{"rm", "sudo", "chmod", "chown", "mv", "cp", "dd"},
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a simple
	// merge where later layers replace earlier ones.
	return yaml.Unmarshal(data, cfg)
}

// applyEnv overlays environment variables onto cfg. getenv is injected so
// tests can run without mutating the process environment.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("PERMISSION_MODE"); v != "" {
		cfg.PermissionMode = PermissionMode(v)
	}
	if v := getenv("MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errors.NewKind(errors.KindValidation,
				"MAX_TURNS must be a non-negative integer, got %q", v)
		}
		cfg.MaxTurns = n
	}
	if v := getenv("DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := getenv("BACKEND_MODE"); v != "" {
		cfg.Backend.Mode = BackendMode(v)
	}
	if v := getenv("BACKEND_PATH"); v != "" {
		cfg.Backend.Path = v
	}
	if v := getenv("BACKEND_PROVIDER"); v != "" {
		cfg.Backend.Provider = v
	}
	if v := getenv("BACKEND_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := getenv("BACKEND_MODEL"); v != "" {
		cfg.Backend.Model = v
	}
	if v := getenv("BACKEND_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.NewKind(errors.KindValidation,
				"BACKEND_TEMPERATURE must be a number, got %q", v)
		}
		cfg.Backend.Temperature = f
	}
	if v := getenv("BACKEND_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errors.NewKind(errors.KindValidation,
				"BACKEND_MAX_TOKENS must be a positive integer, got %q", v)
		}
		cfg.Backend.MaxTokens = n
	}
	if v := getenv("CACHE_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errors.NewKind(errors.KindValidation,
				"CACHE_MAX_SIZE must be a non-negative integer, got %q", v)
		}
		cfg.Cache.MaxSize = n
	}
	if v := getenv("CACHE_TTL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errors.NewKind(errors.KindValidation,
				"CACHE_TTL_MS must be a non-negative integer, got %q", v)
		}
		cfg.Cache.TTLMS = n
	}
	if v := getenv("CACHE_STRATEGY"); v != "" {
		cfg.Cache.Strategy = CacheStrategy(v)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.PermissionMode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
	default:
		return errors.NewKind(errors.KindValidation,
			"PERMISSION_MODE must be one of default, accept_edits, bypass_permissions, plan; got %q",
			c.PermissionMode)
	}
	switch c.Backend.Mode {
	case BackendSubprocess, BackendHTTP:
	default:
		return errors.NewKind(errors.KindValidation,
			"BACKEND_MODE must be subprocess or http, got %q", c.Backend.Mode)
	}
	switch c.Cache.Strategy {
	case CacheLRU, CacheLFU, CacheFIFO:
	default:
		return errors.NewKind(errors.KindValidation,
			"CACHE_STRATEGY must be one of lru, lfu, fifo; got %q", c.Cache.Strategy)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
