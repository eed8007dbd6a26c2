package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func startEngineSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("relgraph/engine")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func finishEngineSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("relgraph.outcome", outcome))
	span.End()
}

func levelAttributes(entity, table string, parentRows int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("relgraph.entity", entity),
		attribute.String("relgraph.table", table),
		attribute.Int("relgraph.parent_rows", parentRows),
	}
}
