package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"relgraph/internal/engine"
	"relgraph/internal/schema"
	"relgraph/internal/server"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, engineMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	s, err := schema.Load(a.cfg.Schema.File)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	a.logger.Info("schema loaded",
		slog.String("file", a.cfg.Schema.File),
		slog.Any("entities", s.EntityNames()),
	)

	conn, err := openBackend(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	if conn.db != nil {
		cleanup.push("database", func(_ context.Context) error {
			if conn.dbStatsReg != nil {
				if err := conn.dbStatsReg.Unregister(); err != nil {
					a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
				}
			}
			return conn.db.Close()
		})
	}

	eng, err := engine.New(s, conn.backend,
		engine.WithDefaultLimit(a.cfg.Engine.DefaultLimit),
		engine.WithMetrics(engineMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	api := server.New(eng, conn.backend, server.Config{
		MaxBodyBytes:       a.cfg.Server.MaxBodyBytes,
		HealthCheckTimeout: a.cfg.Server.HealthCheckTimeout,
	})

	mux := buildRouter(a.cfg, a.logger, api, meterProvider)
	handler, err := wrapHTTPHandler(ctx, a.cfg, a.logger, mux)
	if err != nil {
		return err
	}

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, serverAddr)
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.engineMetrics = engineMetrics
	a.tracerProvider = tracerProvider
	a.db = conn.db
	a.dbStatsReg = conn.dbStatsReg
	a.backend = conn.backend
	a.schema = s
	a.engine = eng
	a.api = api
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
