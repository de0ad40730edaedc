package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/Agent-Field/agentfield-dids/internal/storage"
)

// Config holds the entire configuration for the DID resolution server.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Methods  MethodsConfig  `yaml:"methods" mapstructure:"methods"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	Mode         string        `yaml:"mode" mapstructure:"mode"` // gin mode: "release", "debug", "test"
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	LogJSON      bool          `yaml:"log_json" mapstructure:"log_json"`
	Auth         AuthConfig    `yaml:"auth" mapstructure:"auth"`
	DIDAuth      DIDAuthConfig `yaml:"did_auth" mapstructure:"did_auth"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// APIKey protects the record routes. Empty disables auth.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	// APIKeyHash is a bcrypt hash of the key; preferred over APIKey.
	APIKeyHash string   `yaml:"api_key_hash" mapstructure:"api_key_hash"`
	SkipPaths  []string `yaml:"skip_paths" mapstructure:"skip_paths"`
}

// DIDAuthConfig enables signature checks for callers claiming a DID.
type DIDAuthConfig struct {
	Enabled                bool  `yaml:"enabled" mapstructure:"enabled" default:"false"`
	TimestampWindowSeconds int64 `yaml:"timestamp_window_seconds" mapstructure:"timestamp_window_seconds" default:"300"`
	// NonceCacheSize bounds how many X-DID-Nonce values are remembered for replay checks.
	NonceCacheSize int `yaml:"nonce_cache_size" mapstructure:"nonce_cache_size" default:"10000"`
}

// ResolverConfig bounds every resolution. Zero disables the overall deadline.
type ResolverConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// CacheConfig configures the resolution result cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled" default:"true"`
	Limit   int           `yaml:"limit" mapstructure:"limit" default:"1000"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"` // 0 = entries never expire
}

// MethodsConfig enables the individual method drivers.
type MethodsConfig struct {
	Key  MethodConfig       `yaml:"key" mapstructure:"key"`
	Peer MethodConfig       `yaml:"peer" mapstructure:"peer"`
	Web  RemoteMethodConfig `yaml:"web" mapstructure:"web"`
	TDW  RemoteMethodConfig `yaml:"tdw" mapstructure:"tdw"`
}

// MethodConfig toggles a driver that needs no network access.
type MethodConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" default:"true"`
}

// RemoteMethodConfig configures a driver that fetches over HTTPS.
type RemoteMethodConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled" default:"true"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout" default:"10s"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// StorageConfig is an alias of the storage layer's configuration so callers can
// work with a single definition.
type StorageConfig = storage.StorageConfig

// ErrConfigNotFound is returned by LoadConfig when no file exists.
var ErrConfigNotFound = errors.New("configuration file not found")

// DefaultConfigPath is the default path for the configuration file.
const DefaultConfigPath = "agentfield-dids.yaml"

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8090,
			Mode:         "release",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			DIDAuth:      DIDAuthConfig{TimestampWindowSeconds: 300, NonceCacheSize: 10000},
		},
		Resolver: ResolverConfig{Timeout: 30 * time.Second},
		Cache:    CacheConfig{Enabled: true, Limit: 1000},
		Storage: StorageConfig{
			Mode:  "local",
			Local: storage.LocalStorageConfig{DatabasePath: filepath.Join("data", "dids.db")},
		},
		Methods: MethodsConfig{
			Key:  MethodConfig{Enabled: true},
			Peer: MethodConfig{Enabled: true},
			Web:  RemoteMethodConfig{Enabled: true, Timeout: 10 * time.Second},
			TDW:  RemoteMethodConfig{Enabled: true, Timeout: 10 * time.Second},
		},
	}
}

// LoadConfig reads the configuration from the given path or default paths.
// Values missing from the file keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		altPath := filepath.Join("config", "agentfield-dids.yaml")
		if _, err2 := os.Stat(altPath); err2 == nil {
			configPath = altPath
		} else {
			return nil, fmt.Errorf("%w at %s or default locations", ErrConfigNotFound, configPath)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", configPath, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", configPath, err)
	}
	cfg := Default()
	if err := decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration file %s: %w", configPath, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", configPath, err)
	}
	return cfg, nil
}

// decode overlays raw onto cfg. Keys absent from raw keep their current
// values; unknown keys are rejected.
func decode(raw map[string]interface{}, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused: true,
		TagName:     "mapstructure",
		Result:      cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// LoadOrDefault behaves like LoadConfig but falls back to Default (with
// environment overrides) when no file exists.
func LoadOrDefault(configPath string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}
	cfg = Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at wiring time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Resolver.Timeout < 0 {
		return fmt.Errorf("resolver.timeout must not be negative")
	}
	if c.Cache.Enabled && c.Cache.Limit <= 0 {
		return fmt.Errorf("cache.limit must be greater than zero when the cache is enabled")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	switch strings.ToLower(c.Storage.Mode) {
	case "", "local":
		if c.Storage.Local.DatabasePath == "" {
			return fmt.Errorf("storage.local.database_path is required for local storage")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage.mode %q", c.Storage.Mode)
	}
	if !c.Methods.Key.Enabled && !c.Methods.Peer.Enabled && !c.Methods.Web.Enabled && !c.Methods.TDW.Enabled {
		return fmt.Errorf("at least one DID method must be enabled")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML config values.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("AGENTFIELD_DIDS_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = i
		}
	}
	if val := os.Getenv("AGENTFIELD_DIDS_SERVER_MODE"); val != "" {
		cfg.Server.Mode = val
	}
	if val := os.Getenv("AGENTFIELD_DIDS_LOG_JSON"); val != "" {
		cfg.Server.LogJSON = parseBool(val)
	}
	if apiKey := os.Getenv("AGENTFIELD_DIDS_API_KEY"); apiKey != "" {
		cfg.Server.Auth.APIKey = apiKey
	}
	if hash := os.Getenv("AGENTFIELD_DIDS_API_KEY_HASH"); hash != "" {
		cfg.Server.Auth.APIKeyHash = hash
	}
	if val := os.Getenv("AGENTFIELD_DIDS_DID_AUTH_ENABLED"); val != "" {
		cfg.Server.DIDAuth.Enabled = parseBool(val)
	}

	if val := os.Getenv("AGENTFIELD_DIDS_RESOLVE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Resolver.Timeout = d
		}
	}

	// Cache overrides
	if val := os.Getenv("AGENTFIELD_DIDS_CACHE_ENABLED"); val != "" {
		cfg.Cache.Enabled = parseBool(val)
	}
	if val := os.Getenv("AGENTFIELD_DIDS_CACHE_LIMIT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Cache.Limit = i
		}
	}
	if val := os.Getenv("AGENTFIELD_DIDS_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Cache.TTL = d
		}
	}

	// Storage overrides
	if val := os.Getenv("AGENTFIELD_DIDS_STORAGE_MODE"); val != "" {
		cfg.Storage.Mode = val
	}
	if val := os.Getenv("AGENTFIELD_DIDS_DATABASE_PATH"); val != "" {
		cfg.Storage.Local.DatabasePath = val
	}
	if val := os.Getenv("AGENTFIELD_DIDS_POSTGRES_DSN"); val != "" {
		cfg.Storage.Postgres.DSN = val
	}

	if val := os.Getenv("AGENTFIELD_DIDS_WEB_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Methods.Web.Timeout = d
		}
	}
	if val := os.Getenv("AGENTFIELD_DIDS_TDW_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Methods.TDW.Timeout = d
		}
	}
}

func parseBool(val string) bool {
	return val == "true" || val == "1"
}
