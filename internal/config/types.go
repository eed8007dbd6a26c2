package config

import "time"

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Schema        SchemaConfig        `mapstructure:"schema"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseConfig selects the storage backend and how to reach it.
type DatabaseConfig struct {
	// Driver is one of memory, mysql, postgres or sqlite.
	Driver string `mapstructure:"driver"`
	// ConnectionString is the driver-specific data source name.
	// Configured via "dsn" in YAML or RELGRAPH_DATABASE_DSN env var.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile is a path to a file containing the DSN. Supports "@-" for stdin.
	ConnectionStringFile string `mapstructure:"dsn_file"`
	// ConnectionStringPrompt reads the DSN from the terminal without echo.
	ConnectionStringPrompt bool `mapstructure:"dsn_prompt"`
	// InitSQLFile is a script of statements executed once after connecting.
	InitSQLFile string `mapstructure:"init_sql_file"`

	Pool PoolConfig `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the database on startup.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial interval between connection retries.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// SchemaConfig locates the entity schema file.
type SchemaConfig struct {
	File string `mapstructure:"file"`
}

// EngineConfig tunes query resolution.
type EngineConfig struct {
	// DefaultLimit bounds every select issued without an explicit limit.
	DefaultLimit int `mapstructure:"default_limit"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port                 int           `mapstructure:"port"`
	MaxBodyBytes         int64         `mapstructure:"max_body_bytes"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	CORSEnabled          bool          `mapstructure:"cors_enabled"`
	CORSAllowedOrigins   []string      `mapstructure:"cors_allowed_origins"`
	CORSAllowedHeaders   []string      `mapstructure:"cors_allowed_headers"`
	CORSAllowCredentials bool          `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int           `mapstructure:"cors_max_age"`
	Auth                 AuthConfig    `mapstructure:"auth"`
}

// AuthConfig enables bearer-token authentication on the query and mutate endpoints.
type AuthConfig struct {
	OIDCEnabled       bool          `mapstructure:"oidc_enabled"`
	OIDCIssuerURL     string        `mapstructure:"oidc_issuer_url"`
	OIDCAudience      string        `mapstructure:"oidc_audience"`
	OIDCClockSkew     time.Duration `mapstructure:"oidc_clock_skew"`
	OIDCCAFile        string        `mapstructure:"oidc_ca_file"`         // PEM bundle trusted for the issuer
	OIDCSkipTLSVerify bool          `mapstructure:"oidc_skip_tls_verify"` // dev only
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"` // Inject trace context into SQL queries
	Logging             LoggingConfig `mapstructure:"logging"`
	OTLP                OTLPConfig    `mapstructure:"otlp"`
}

// OTLPConfig holds OTLP exporter configuration shared by traces and logs.
type OTLPConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Protocol string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure bool              `mapstructure:"insecure"`
	CAFile   string            `mapstructure:"ca_file"`
	Headers  map[string]string `mapstructure:"headers"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}
