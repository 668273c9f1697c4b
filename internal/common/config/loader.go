// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml on
// top, expands ${ENV} placeholders and applies defaults.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // overlay is optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{".env", "../.env", "../../.env"}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory to the go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets that are conventionally passed as bare
// environment variables.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Auth.Introspection.ClientSecret == "" {
		if val := os.Getenv("INTROSPECTION_CLIENT_SECRET"); val != "" {
			cfg.Auth.Introspection.ClientSecret = val
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "agent-relay"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.RateWindow == 0 {
		cfg.Server.RateWindow = 60000
	}

	if cfg.Relay.DefaultTimeout == 0 {
		cfg.Relay.DefaultTimeout = 30000
	}
	if cfg.Relay.MinTimeout == 0 {
		cfg.Relay.MinTimeout = 10
	}
	if cfg.Relay.MaxTimeout == 0 {
		cfg.Relay.MaxTimeout = 600000
	}
	if cfg.Relay.SweepInterval == 0 {
		cfg.Relay.SweepInterval = 1000
	}
	if cfg.Relay.ResultRetention == 0 {
		cfg.Relay.ResultRetention = 300000
	}
	if cfg.Relay.ClaimGrace == 0 {
		cfg.Relay.ClaimGrace = 30000
	}
	if cfg.Relay.ProviderLiveness == 0 {
		cfg.Relay.ProviderLiveness = 60000
	}
	if cfg.Relay.MaxSchemaBytes == 0 {
		cfg.Relay.MaxSchemaBytes = 64 << 10
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "memory"
	}
	if cfg.Ledger.KeyPrefix == "" {
		cfg.Ledger.KeyPrefix = "relay:"
	}

	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 10
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 2
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "relay-exchanges"
	}

	if cfg.Auth.Introspection.CacheTTL == 0 {
		cfg.Auth.Introspection.CacheTTL = 60000
	}
	if cfg.Auth.Introspection.Timeout == 0 {
		cfg.Auth.Introspection.Timeout = 5000
	}

	if cfg.Archive.Workers == 0 {
		cfg.Archive.Workers = 2
	}
	if cfg.Archive.QueueSize == 0 {
		cfg.Archive.QueueSize = 1024
	}
	if len(cfg.Notifications.Codes) == 0 {
		cfg.Notifications.Codes = []string{"INTERNAL_ERROR", "NO_PROVIDERS"}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}

func validateConfig(cfg *Config) error {
	r := cfg.Relay
	if r.MinTimeout <= 0 || r.MinTimeout > r.MaxTimeout {
		return fmt.Errorf("relay.min_timeout must be positive and <= relay.max_timeout")
	}
	if r.DefaultTimeout < r.MinTimeout || r.DefaultTimeout > r.MaxTimeout {
		return fmt.Errorf("relay.default_timeout must be within [min_timeout, max_timeout]")
	}

	switch cfg.Ledger.Backend {
	case "memory":
	case "redis":
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required for the redis ledger")
		}
	default:
		return fmt.Errorf("ledger.backend must be memory or redis, got %q", cfg.Ledger.Backend)
	}

	if cfg.Auth.RegistryPath == "" && !cfg.Auth.Introspection.Enabled {
		return fmt.Errorf("auth.registry_path is required unless introspection is enabled")
	}
	if cfg.Auth.Introspection.Enabled && cfg.Auth.Introspection.URL == "" {
		return fmt.Errorf("auth.introspection.url is required when introspection is enabled")
	}

	if cfg.Archive.Postgres {
		if cfg.Database.Postgres.Host == "" || cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database are required for the postgres archive")
		}
	}
	if cfg.Archive.Elasticsearch && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required for the elasticsearch archive")
	}
	if cfg.Archive.Notify {
		n := cfg.Notifications
		if !n.SNS.Enabled && !n.Email.Enabled {
			return fmt.Errorf("archive.notify needs notifications.sns or notifications.email enabled")
		}
		if n.SNS.Enabled && n.SNS.TopicARN == "" {
			return fmt.Errorf("notifications.sns.topic_arn is required")
		}
		if n.Email.Enabled && (n.Email.FromEmail == "" || len(n.Email.To) == 0) {
			return fmt.Errorf("notifications.email.from_email and to are required")
		}
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
