package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds counters and histograms for query and mutate calls.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	operationDuration metric.Float64Histogram
	operationCounter  metric.Int64Counter
	errorCounter      metric.Int64Counter
	activeOperations  metric.Int64UpDownCounter
	backendCalls      metric.Int64Counter
	backendRows       metric.Int64Histogram
	batchKeyCount     metric.Int64Histogram
}

// InitEngineMetrics creates the engine instruments on the global meter provider.
func InitEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("relgraph")

	operationDuration, err := meter.Float64Histogram(
		"relgraph.operation.duration",
		metric.WithDescription("Duration of query and mutate calls in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	operationCounter, err := meter.Int64Counter(
		"relgraph.operations.total",
		metric.WithDescription("Total number of query and mutate calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"relgraph.errors.total",
		metric.WithDescription("Total number of failed calls by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	activeOperations, err := meter.Int64UpDownCounter(
		"relgraph.operations.active",
		metric.WithDescription("Number of calls in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active operations counter: %w", err)
	}

	backendCalls, err := meter.Int64Counter(
		"relgraph.backend.calls",
		metric.WithDescription("Number of storage backend statements issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend calls counter: %w", err)
	}

	backendRows, err := meter.Int64Histogram(
		"relgraph.backend.rows",
		metric.WithDescription("Number of rows read or written per backend statement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend rows histogram: %w", err)
	}

	batchKeyCount, err := meter.Int64Histogram(
		"relgraph.batch.key_count",
		metric.WithDescription("Number of distinct parent keys passed to a nested level"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch key count histogram: %w", err)
	}

	return &EngineMetrics{
		operationDuration: operationDuration,
		operationCounter:  operationCounter,
		errorCounter:      errorCounter,
		activeOperations:  activeOperations,
		backendCalls:      backendCalls,
		backendRows:       backendRows,
		batchKeyCount:     batchKeyCount,
	}, nil
}

// RecordOperation records a finished call. errorKind is empty on success.
func (m *EngineMetrics) RecordOperation(ctx context.Context, duration time.Duration, operation, errorKind string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("has_errors", errorKind != ""),
	}

	m.operationDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.operationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if errorKind != "" {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("kind", errorKind),
		))
	}
}

// RecordBackendCall records one storage statement and the rows it touched.
func (m *EngineMetrics) RecordBackendCall(ctx context.Context, statement, table string, rows int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("statement", statement),
		attribute.String("table", table),
	)
	m.backendCalls.Add(ctx, 1, attrs)
	m.backendRows.Record(ctx, int64(rows), attrs)
}

// RecordBatchKeys records how many parent keys a nested level was filtered by.
func (m *EngineMetrics) RecordBatchKeys(ctx context.Context, table string, count int) {
	if m == nil {
		return
	}
	m.batchKeyCount.Record(ctx, int64(count), metric.WithAttributes(
		attribute.String("table", table),
	))
}

// IncrementActiveOperations increments the in-flight counter.
func (m *EngineMetrics) IncrementActiveOperations(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeOperations.Add(ctx, 1)
}

// DecrementActiveOperations decrements the in-flight counter.
func (m *EngineMetrics) DecrementActiveOperations(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeOperations.Add(ctx, -1)
}

// InitMetrics initializes the engine metrics and logs once they are ready.
func InitMetrics(logger *slog.Logger) (*EngineMetrics, error) {
	metrics, err := InitEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine metrics: %w", err)
	}

	logger.Info("engine metrics initialized")
	return metrics, nil
}
