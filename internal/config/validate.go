package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) addError(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) addWarning(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)

	if strings.TrimSpace(c.Schema.File) == "" {
		result.addError("schema.file", "schema file is required",
			"point schema.file at a YAML or JSON entity schema")
	}
	if c.Engine.DefaultLimit <= 0 {
		result.addError("engine.default_limit", "default_limit must be greater than 0", "")
	}

	c.Server.validate(result)
	c.Observability.validate(result)

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	driver := d.normalizedDriver()
	switch driver {
	case DriverMemory:
		if strings.TrimSpace(d.ConnectionString) != "" || strings.TrimSpace(d.ConnectionStringFile) != "" {
			result.addWarning("database.dsn", "dsn is ignored by the memory driver", "")
		}
		if strings.TrimSpace(d.InitSQLFile) != "" {
			result.addWarning("database.init_sql_file", "init_sql_file is ignored by the memory driver",
				"use a SQL driver such as sqlite to run init scripts")
		}
		return
	case DriverMySQL, DriverPostgres:
		if strings.TrimSpace(d.ConnectionString) == "" {
			result.addError("database.dsn", fmt.Sprintf("dsn is required for driver %q", driver),
				"set database.dsn, database.dsn_file or database.dsn_prompt")
		}
	case DriverSQLite:
	default:
		result.addError("database.driver", fmt.Sprintf("invalid driver %q", d.Driver),
			"valid values are: memory, mysql, postgres, sqlite")
		return
	}

	if driver == DriverSQLite && strings.TrimSpace(d.ConnectionString) == "" {
		result.addWarning("database.dsn", "no dsn set, using a shared in-memory SQLite database",
			"data is lost when the server stops")
	}

	// Connection pool validation
	if d.Pool.MaxOpen < 0 {
		result.addError("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.addError("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.addWarning("database.pool.max_idle", "max_idle is greater than max_open",
			"idle connections will be limited to max_open")
	}
	if d.Pool.MaxLifetime < 0 {
		result.addError("database.pool.max_lifetime", "max_lifetime cannot be negative", "")
	}

	// Connection retry validation
	if d.ConnectionTimeout < 0 {
		result.addError("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
	if d.ConnectionRetryInterval < 0 {
		result.addError("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.addError("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.addWarning("database.connection_retry_interval",
			"connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.addError("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}
	if s.MaxBodyBytes <= 0 {
		result.addError("server.max_body_bytes", "max_body_bytes must be greater than 0", "")
	}

	timeouts := []struct {
		field string
		value int64
	}{
		{"server.read_timeout", int64(s.ReadTimeout)},
		{"server.write_timeout", int64(s.WriteTimeout)},
		{"server.idle_timeout", int64(s.IdleTimeout)},
		{"server.shutdown_timeout", int64(s.ShutdownTimeout)},
		{"server.health_check_timeout", int64(s.HealthCheckTimeout)},
	}
	for _, timeout := range timeouts {
		if timeout.value < 0 {
			result.addError(timeout.field, "timeout cannot be negative", "")
		}
	}

	// Rate limit validation
	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.addError("server.rate_limit_rps", "rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.addError("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	}
	if !s.RateLimitEnabled && (s.RateLimitRPS > 0 || s.RateLimitBurst > 0) {
		result.addWarning("server.rate_limit_enabled", "rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	// CORS validation
	if s.CORSEnabled {
		if len(s.CORSAllowedOrigins) == 0 {
			result.addWarning("server.cors_allowed_origins", "CORS is enabled but no origins are allowed",
				"list the browser origins that may call the API")
		}
		if s.CORSAllowCredentials {
			for _, origin := range s.CORSAllowedOrigins {
				if strings.TrimSpace(origin) == "*" {
					result.addError("server.cors_allow_credentials", "credentials cannot be allowed for wildcard origins",
						"list explicit origins or disable cors_allow_credentials")
					break
				}
			}
		}
	}

	s.Auth.validate(result)
}

func (a *AuthConfig) validate(result *ValidationResult) {
	if !a.OIDCEnabled {
		if strings.TrimSpace(a.OIDCIssuerURL) != "" {
			result.addWarning("server.auth.oidc_issuer_url", "issuer URL is set but OIDC authentication is disabled",
				"set server.auth.oidc_enabled=true to require bearer tokens")
		}
		return
	}

	issuer := strings.TrimSpace(a.OIDCIssuerURL)
	if issuer == "" {
		result.addError("server.auth.oidc_issuer_url", "issuer URL is required when OIDC is enabled", "")
	} else if u, err := url.Parse(issuer); err != nil || u.Scheme != "https" || u.Host == "" {
		result.addError("server.auth.oidc_issuer_url", fmt.Sprintf("invalid issuer URL %q", issuer),
			"use an absolute https URL, e.g. https://issuer.example.com")
	}
	if strings.TrimSpace(a.OIDCAudience) == "" {
		result.addError("server.auth.oidc_audience", "audience is required when OIDC is enabled", "")
	}
	if a.OIDCClockSkew < 0 {
		result.addError("server.auth.oidc_clock_skew", "clock skew cannot be negative", "")
	}
	if a.OIDCCAFile != "" {
		if _, err := os.Stat(a.OIDCCAFile); err != nil {
			result.addError("server.auth.oidc_ca_file", fmt.Sprintf("cannot read CA file: %v", err), "")
		}
	}
	if a.OIDCSkipTLSVerify {
		result.addWarning("server.auth.oidc_skip_tls_verify", "TLS verification for the OIDC issuer is disabled",
			"enable only for local development; prefer oidc_ca_file")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.addError("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.addError("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.addError("observability.trace_sample_ratio",
			fmt.Sprintf("trace_sample_ratio %v is out of range (0.0-1.0)", o.TraceSampleRatio), "")
	}
	if o.SQLCommenterEnabled && !o.TracingEnabled {
		result.addWarning("observability.sqlcommenter_enabled", "sqlcommenter requires tracing",
			"enable observability.tracing_enabled to inject trace context into SQL")
	}

	if o.TracingEnabled || o.Logging.ExportsEnabled {
		o.OTLP.validate("observability.otlp", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.addError(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}

	if !validOTLPEndpoint(o.Endpoint) {
		result.addError(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q", o.Endpoint),
			"use host:port or a full URL")
	}

	if o.Insecure && o.CAFile != "" {
		result.addWarning(prefix+".ca_file", "ca_file is ignored when insecure is set", "")
	}
	if o.Timeout < 0 {
		result.addError(prefix+".timeout", "timeout cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
