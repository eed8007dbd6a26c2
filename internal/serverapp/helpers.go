package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relgraph/internal/config"
	"relgraph/internal/dbexec"
	"relgraph/internal/logging"
	"relgraph/internal/middleware"
	"relgraph/internal/observability"
	"relgraph/internal/server"
	"relgraph/internal/storage"
	"relgraph/internal/storage/memstore"
	"relgraph/internal/storage/sqlstore"

	"github.com/XSAM/otelsql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// backend is a storage port that also owns transactions and health checks.
type backend interface {
	storage.Port
	server.Backend
}

// backendConn is an opened storage backend plus the SQL resources behind it, if any.
type backendConn struct {
	backend    backend
	db         *sql.DB
	dbStatsReg interface{ Unregister() error }
}

// InitLogger builds the process logger and, when log export is enabled, the OTLP
// logger provider feeding it.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	otlp := cfg.Observability.OTLP
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", otlp.Endpoint),
		slog.String("otlp_protocol", otlp.Protocol),
		slog.Bool("insecure", otlp.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(context.Background(), observabilityConfig(cfg))
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry logging initialized successfully")

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func observabilityConfig(cfg *config.Config) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLP: observability.OTLPConfig{
			Endpoint: cfg.Observability.OTLP.Endpoint,
			Protocol: cfg.Observability.OTLP.Protocol,
			Insecure: cfg.Observability.OTLP.Insecure,
			CAFile:   cfg.Observability.OTLP.CAFile,
			Headers:  cfg.Observability.OTLP.Headers,
			Timeout:  cfg.Observability.OTLP.Timeout,
		},
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.EngineMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg))
	if err != nil {
		return nil, nil, err
	}

	engineMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		_ = meterProvider.Shutdown(context.Background(), logger.Logger)
		return nil, nil, err
	}

	return meterProvider, engineMetrics, nil
}

func initTracing(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", cfg.Observability.OTLP.Endpoint),
		slog.String("otlp_protocol", cfg.Observability.OTLP.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(ctx, observabilityConfig(cfg))
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

// openBackend opens the configured storage backend and runs the init script on SQL ones.
func openBackend(ctx context.Context, cfg *config.Config, logger *logging.Logger) (backendConn, error) {
	if cfg.Database.IsMemory() {
		logger.Info("using in-memory storage backend")
		return backendConn{backend: memstore.New()}, nil
	}

	driver, err := lookupSQLBackend(cfg.Database.Driver)
	if err != nil {
		return backendConn{}, err
	}

	logger.Info("connecting to database",
		slog.String("driver", cfg.Database.Driver),
		slog.Bool("dsn_present", strings.TrimSpace(cfg.Database.ConnectionString) != ""),
	)

	db, dbStatsReg, err := connectDB(cfg, logger, driver)
	if err != nil {
		return backendConn{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	conn := backendConn{db: db, dbStatsReg: dbStatsReg}
	closeOnError := func() {
		if dbStatsReg != nil {
			_ = dbStatsReg.Unregister()
		}
		_ = db.Close()
	}

	if err := configureDatabase(ctx, cfg, logger, db); err != nil {
		closeOnError()
		return backendConn{}, fmt.Errorf("failed to verify database connection: %w", err)
	}

	store := sqlstore.New(dbexec.NewStandardExecutor(db), driver.dialect, sqlstore.WithPinger(db))
	if err := runInitScript(ctx, cfg, logger, store); err != nil {
		closeOnError()
		return backendConn{}, err
	}

	conn.backend = store
	return conn, nil
}

func connectDB(cfg *config.Config, logger *logging.Logger, driver sqlBackend) (*sql.DB, interface{ Unregister() error }, error) {
	dsn := cfg.Database.DSN()

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open(driver.driverName, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	opts := []otelsql.Option{
		otelsql.WithAttributes(driver.system),
	}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
		if cfg.Observability.SQLCommenterEnabled {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		}
	}

	db, err := otelsql.Open(driver.driverName, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(driver.system))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
		slog.Bool("sqlcommenter", cfg.Observability.SQLCommenterEnabled && cfg.Observability.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("driver", cfg.Database.Driver),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	timeout := cfg.Database.ConnectionTimeout
	interval := cfg.Database.ConnectionRetryInterval

	// If timeout is 0, try once and fail immediately
	if timeout == 0 || interval <= 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		// Exponential backoff, capped at 30s
		interval = min(interval*2, 30*time.Second)
	}
}

// runInitScript executes init_sql_file statements in one transaction.
func runInitScript(ctx context.Context, cfg *config.Config, logger *logging.Logger, store *sqlstore.Store) error {
	statements, err := cfg.Database.InitStatements()
	if err != nil {
		return err
	}
	if len(statements) == 0 {
		return nil
	}

	err = store.InTx(ctx, func(txCtx context.Context) error {
		for i, stmt := range statements {
			if err := store.Exec(txCtx, stmt); err != nil {
				return fmt.Errorf("init statement %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to run init SQL file: %w", err)
	}

	logger.Info("init SQL file executed",
		slog.String("file", cfg.Database.InitSQLFile),
		slog.Int("statements", len(statements)),
	)
	return nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, api *server.API, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	api.Register(mux)

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	return mux
}

// wrapHTTPHandler applies middleware outermost-last: rate limiting sees every request,
// then CORS, logging, recovery, HTTP instrumentation and finally authentication.
func wrapHTTPHandler(ctx context.Context, cfg *config.Config, logger *logging.Logger, handler http.Handler) (http.Handler, error) {
	auth := cfg.Server.Auth
	if auth.OIDCEnabled {
		authMiddleware, err := middleware.OIDCAuthMiddleware(ctx, middleware.OIDCAuthConfig{
			Enabled:       true,
			IssuerURL:     auth.OIDCIssuerURL,
			Audience:      auth.OIDCAudience,
			ClockSkew:     auth.OIDCClockSkew,
			CAFile:        auth.OIDCCAFile,
			SkipTLSVerify: auth.OIDCSkipTLSVerify,
			ExemptPaths:   []string{"/health", "/metrics"},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OIDC auth: %w", err)
		}
		handler = authMiddleware(handler)
		logger.Info("OIDC authentication enabled",
			slog.String("issuer", auth.OIDCIssuerURL),
			slog.String("audience", auth.OIDCAudience),
		)
	}

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	handler = middleware.RecoveryMiddleware(handler)
	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Server.CORSEnabled {
		handler = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          true,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
		})(handler)
	}

	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: true,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		})(handler)
	}

	return handler, nil
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/query", "/mutate", "/health", "/metrics":
		return rawPath
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		logAttrs := []any{
			slog.String("address", serverAddr),
			slog.String("driver", cfg.Database.Driver),
			slog.String("query_endpoint", "/query"),
			slog.String("mutate_endpoint", "/mutate"),
			slog.String("health_endpoint", "/health"),
			slog.Int("default_limit", cfg.Engine.DefaultLimit),
			slog.String("log_level", cfg.Observability.Logging.Level),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}
		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}

		logger.Info("server starting", logAttrs...)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}
