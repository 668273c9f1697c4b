// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Server        ServerConfig       `mapstructure:"server"`
	Relay         RelayConfig        `mapstructure:"relay"`
	Ledger        LedgerConfig       `mapstructure:"ledger"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Archive       ArchiveConfig      `mapstructure:"archive"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Tracing       TracingConfig      `mapstructure:"tracing"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig configures the HTTP transport. Durations are milliseconds.
type ServerConfig struct {
	Address         string `mapstructure:"address"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	RateLimit       int    `mapstructure:"rate_limit"` // requests per window per agent, 0 disables
	RateWindow      int    `mapstructure:"rate_window"`
}

// RelayConfig holds protocol level knobs. Durations are milliseconds.
type RelayConfig struct {
	DefaultTimeout      int  `mapstructure:"default_timeout"`
	MinTimeout          int  `mapstructure:"min_timeout"`
	MaxTimeout          int  `mapstructure:"max_timeout"`
	SweepInterval       int  `mapstructure:"sweep_interval"`
	ResultRetention     int  `mapstructure:"result_retention"`
	ClaimGrace          int  `mapstructure:"claim_grace"`
	FailFastNoProviders bool `mapstructure:"fail_fast_no_providers"`
	ProviderLiveness    int  `mapstructure:"provider_liveness"`
	MaxSchemaBytes      int  `mapstructure:"max_schema_bytes"`
}

// LedgerConfig selects the request ledger backend.
type LedgerConfig struct {
	Backend   string `mapstructure:"backend"` // memory | redis
	KeyPrefix string `mapstructure:"key_prefix"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig configures how bearer tokens are resolved to agents.
type AuthConfig struct {
	RegistryPath  string `mapstructure:"registry_path"`
	Introspection struct {
		Enabled      bool   `mapstructure:"enabled"`
		URL          string `mapstructure:"url"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		CacheTTL     int    `mapstructure:"cache_ttl"` // milliseconds
		Timeout      int    `mapstructure:"timeout"`   // milliseconds
	} `mapstructure:"introspection"`
}

// ArchiveConfig enables terminal exchange sinks. Sinks only ever see
// metadata, never request or response content.
type ArchiveConfig struct {
	Workers       int  `mapstructure:"workers"`
	QueueSize     int  `mapstructure:"queue_size"`
	Postgres      bool `mapstructure:"postgres"`
	Elasticsearch bool `mapstructure:"elasticsearch"`
	Notify        bool `mapstructure:"notify"`
}

// NotificationConfig holds settings for failure notifications.
type NotificationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
	Email struct {
		Enabled   bool     `mapstructure:"enabled"`
		FromEmail string   `mapstructure:"from_email"`
		To        []string `mapstructure:"to"`
	} `mapstructure:"email"`
	Codes []string `mapstructure:"codes"` // error codes that trigger a notification
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig toggles span collection.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}
