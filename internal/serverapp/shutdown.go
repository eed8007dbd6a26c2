package serverapp

import (
	"context"
	"log/slog"
	"time"

	"relgraph/internal/logging"
)

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack struct {
	items []cleanupItem
}

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanupItem{name: name, fn: fn})
}

// run calls every cleanup function even when earlier ones fail and returns the
// number of failures.
func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) int {
	failures := 0
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		logger.Info("shutting down " + item.name)
		if err := item.fn(ctx); err != nil {
			failures++
			logger.Warn("cleanup error",
				slog.String("component", item.name),
				slog.String("error", err.Error()),
			)
		}
	}
	return failures
}

// Shutdown releases every acquired resource, bounded by server.shutdown_timeout
// when ctx carries no deadline. Only the first call does any work.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok && a.cfg != nil && a.cfg.Server.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
			defer cancel()
		}

		a.stateMu.Lock()
		cleanup := a.cleanup
		a.cleanup = cleanupStack{}
		a.started = false
		a.stateMu.Unlock()

		start := time.Now()
		failures := cleanup.run(ctx, a.logger)
		a.logger.Info("shutdown complete",
			slog.Duration("duration", time.Since(start)),
			slog.Int("cleanup_errors", failures),
		)
	})

	return nil
}
