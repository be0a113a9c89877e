// Package config loads the process configuration from YAML and the
// environment. Unknown keys are ignored for forward compatibility;
// missing required values fail validation and the binary exits 1.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	API         APIConfig       `mapstructure:"api"`
	Store       StoreConfig     `mapstructure:"store"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Providers   ProvidersConfig `mapstructure:"providers"`
	Queue       QueueConfig     `mapstructure:"queue"`
	Insights    InsightsConfig  `mapstructure:"insights"`
	Bootstrap   BootstrapConfig `mapstructure:"bootstrap"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// IsDevelopment reports whether full error detail may be surfaced
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// APIConfig defines the HTTP server configuration
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	// DefaultTenant is honoured only in single-tenant deployments when
	// the X-Tenant header is absent.
	DefaultTenant string `mapstructure:"default_tenant"`
	SingleTenant  bool   `mapstructure:"single_tenant"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Driver  string `mapstructure:"driver"` // memory | postgres
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig bounds the in-process cache and the optional redis tier
type CacheConfig struct {
	Shards        int           `mapstructure:"shards"`
	MaxEntries    int           `mapstructure:"max_entries"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the optional L2 cache tier
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig configures sessions, hashing, and the login throttle
type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`

	MaxFailedAttempts int           `mapstructure:"max_failed_attempts"`
	FailureWindow     time.Duration `mapstructure:"failure_window"`
	LockoutPeriod     time.Duration `mapstructure:"lockout_period"`

	// Argon2id parameters; zero values take the package defaults
	ArgonMemoryKiB uint32 `mapstructure:"argon_memory_kib"`
	ArgonTime      uint32 `mapstructure:"argon_time"`
	ArgonThreads   uint8  `mapstructure:"argon_threads"`
}

// ProvidersConfig configures model provider adapters. Adapters with no
// credentials stay registered but unavailable.
type ProvidersConfig struct {
	InvokeTimeout time.Duration   `mapstructure:"invoke_timeout"`
	Anthropic     AnthropicConfig `mapstructure:"anthropic"`
	OpenAI        OpenAIConfig    `mapstructure:"openai"`
	Bedrock       BedrockConfig   `mapstructure:"bedrock"`
}

// AnthropicConfig configures the anthropic adapter
type AnthropicConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// OpenAIConfig configures the openai adapter
type OpenAIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// BedrockConfig configures the bedrock adapter
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Model   string `mapstructure:"model"`
}

// QueueConfig tunes dispatcher retry behaviour
type QueueConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	JitterPercent int           `mapstructure:"jitter_percent"`
	// CancelGrace bounds how long a cancelled execution may linger
	// before its result is abandoned.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
}

// InsightsConfig tunes anomaly detection
type InsightsConfig struct {
	AnomalySensitivity  float64       `mapstructure:"anomaly_sensitivity"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	CollabRetention     time.Duration `mapstructure:"collab_retention"`
}

// BootstrapConfig seeds the default tenant and first admin on an empty store
type BootstrapConfig struct {
	TenantName    string `mapstructure:"tenant_name"`
	TenantDomain  string `mapstructure:"tenant_domain"`
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

// LoggingConfig selects the minimum log level
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from file and PILOTHOUSE_-prefixed
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("PILOTHOUSE_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("PILOTHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		// A config file is optional when the environment carries the values
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	processEnvExpansion(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces required values and closed enumerations
func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	if c.Cache.Shards > 0 && c.Cache.Shards&(c.Cache.Shards-1) != 0 {
		return fmt.Errorf("cache.shards must be a power of two, got %d", c.Cache.Shards)
	}
	if c.Queue.JitterPercent < 0 || c.Queue.JitterPercent > 100 {
		return fmt.Errorf("queue.jitter_percent must be within [0,100], got %d", c.Queue.JitterPercent)
	}
	return nil
}

// processEnvExpansion rewrites ${VAR} and ${VAR:-default} references in
// string config values.
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			if expanded := expandEnvVars(value); expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

// expandEnvVars expands ${VAR} and ${VAR:-default} in a string
func expandEnvVars(value string) string {
	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varRef := result[start+2 : end]
		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" && defaultVal != "" {
			envVal = defaultVal
		}
		result = result[:start] + envVal + result[end+1:]
	}
	return result
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.single_tenant", false)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.migrate", true)
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.max_bytes", int64(64<<20))
	v.SetDefault("cache.sweep_interval", 30*time.Second)
	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "localhost:6379")

	v.SetDefault("auth.session_ttl", 12*time.Hour)
	v.SetDefault("auth.max_failed_attempts", 5)
	v.SetDefault("auth.failure_window", 15*time.Minute)
	v.SetDefault("auth.lockout_period", 15*time.Minute)

	v.SetDefault("providers.invoke_timeout", 60*time.Second)
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.bedrock.model", "anthropic.claude-3-5-sonnet-20241022-v2:0")
	v.SetDefault("providers.bedrock.region", "us-east-1")

	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", 500*time.Millisecond)
	v.SetDefault("queue.backoff_cap", 30*time.Second)
	v.SetDefault("queue.jitter_percent", 20)
	v.SetDefault("queue.cancel_grace", 5*time.Second)

	v.SetDefault("insights.anomaly_sensitivity", 2.0)
	v.SetDefault("insights.confidence_threshold", 0.7)
	v.SetDefault("insights.collab_retention", 720*time.Hour)

	v.SetDefault("logging.level", "INFO")
}
