package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file consulted when no explicit path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides, e.g. WIDGET_RATE_LIMITS__GLOBAL=500.
const EnvPrefix = "WIDGET_"

// Environment names.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

type Config struct {
	Environment string            `koanf:"environment"`
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Registry    RegistryConfig    `koanf:"registry"`
	Storage     StorageConfig     `koanf:"storage"`
	Credentials CredentialsConfig `koanf:"credentials"`
	RateLimits  RateLimitConfig   `koanf:"rate_limits"`
	Redis       RedisConfig       `koanf:"redis"`
	CORS        CORSConfig        `koanf:"cors"`
	Tokens      TokenConfig       `koanf:"tokens"`
	Responses   ResponseConfig    `koanf:"responses"`
	Tracing     TracingConfig     `koanf:"tracing"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `koanf:"trust_proxy"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// RegistryConfig points at the durable store holding tenants and credentials.
type RegistryConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql
	DSN    string `koanf:"dsn"`
}

// StorageConfig controls the per-tenant storage files.
type StorageConfig struct {
	Root         string        `koanf:"root"`
	CacheSizeKiB int           `koanf:"cache_size_kib"`
	BusyTimeout  time.Duration `koanf:"busy_timeout"`
}

type CredentialsConfig struct {
	CacheTTL  time.Duration `koanf:"cache_ttl"`
	CacheSize int           `koanf:"cache_size"`
	// LookupsPerSecond bounds durable-store lookups on cache misses.
	LookupsPerSecond float64 `koanf:"lookups_per_second"`
	LookupBurst      int     `koanf:"lookup_burst"`
}

// RateLimitConfig holds the global ceilings for each admission scope.
// A ceiling of zero disables that scope.
type RateLimitConfig struct {
	Backend       string         `koanf:"backend"` // memory, redis
	Window        time.Duration  `koanf:"window"`
	Global        int            `koanf:"global"`
	Tenant        int            `koanf:"tenant"`
	Credential    int            `koanf:"credential"`
	Client        int            `koanf:"client"`
	EndpointClass map[string]int `koanf:"endpoint_class"`
	FailureMode   string         `koanf:"failure_mode"` // open, closed
	KeyPrefix     string         `koanf:"key_prefix"`
}

type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
	// AllowLoopback admits localhost origins outside production.
	AllowLoopback bool `koanf:"allow_loopback"`
}

type TokenConfig struct {
	Secret string        `koanf:"secret"`
	Issuer string        `koanf:"issuer"`
	TTL    time.Duration `koanf:"ttl"`
}

type ResponseConfig struct {
	DefaultFormat string `koanf:"default_format"` // json, html
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// IsProduction reports whether development-only relaxations must stay off.
func (c *Config) IsProduction() bool {
	return c.Environment != EnvDevelopment && c.Environment != EnvTest
}

// LoopbackAllowed reports whether local origins bypass the CORS allow-list.
func (c *Config) LoopbackAllowed() bool {
	return c.CORS.AllowLoopback && !c.IsProduction()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path (if present) and WIDGET_ environment variables.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Registry.DSN = substituteEnvVars(cfg.Registry.DSN)
	cfg.Redis.Password = substituteEnvVars(cfg.Redis.Password)
	cfg.Tokens.Secret = substituteEnvVars(cfg.Tokens.Secret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"environment":                    EnvProduction,
		"server.port":                    8080,
		"server.request_timeout":         "30s",
		"server.max_body_bytes":          1 << 20,
		"log.level":                      "info",
		"registry.driver":                "sqlite",
		"registry.dsn":                   "./data/registry.db",
		"storage.root":                   "./storage",
		"storage.cache_size_kib":         2048,
		"storage.busy_timeout":           "5s",
		"credentials.cache_ttl":          "5m",
		"credentials.cache_size":         10000,
		"credentials.lookups_per_second": 200.0,
		"credentials.lookup_burst":       50,
		"rate_limits.backend":            "memory",
		"rate_limits.window":             "60s",
		"rate_limits.global":             6000,
		"rate_limits.tenant":             1200,
		"rate_limits.credential":         600,
		"rate_limits.client":             120,
		"rate_limits.failure_mode":       "open",
		"rate_limits.key_prefix":         "widget:ratelimit:",
		"redis.address":                  "localhost:6379",
		"tokens.issuer":                  "widget-gateway",
		"tokens.ttl":                     "24h",
		"responses.default_format":       "json",
		"tracing.service_name":           "widget-gateway",
		"metrics.enabled":                true,
		"metrics.path":                   "/metrics",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
	if !k.Exists("rate_limits.endpoint_class") {
		k.Set("rate_limits.endpoint_class", map[string]any{
			"read":  3000,
			"write": 600,
			"auth":  120,
		})
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("environment must be one of production, development, test (got %q)", c.Environment)
	}
	if c.RateLimits.Window <= 0 {
		return fmt.Errorf("rate_limits.window must be positive")
	}
	switch c.RateLimits.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limits.backend must be memory or redis (got %q)", c.RateLimits.Backend)
	}
	switch c.RateLimits.FailureMode {
	case "open", "closed":
	default:
		return fmt.Errorf("rate_limits.failure_mode must be open or closed (got %q)", c.RateLimits.FailureMode)
	}
	switch c.Responses.DefaultFormat {
	case "json", "html":
	default:
		return fmt.Errorf("responses.default_format must be json or html (got %q)", c.Responses.DefaultFormat)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Tokens.Secret != "" && len(c.Tokens.Secret) < 32 {
		return fmt.Errorf("tokens.secret must be at least 32 characters")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
