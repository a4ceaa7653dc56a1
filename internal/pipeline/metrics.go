package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type stageMetrics struct {
	rows  metric.Int64Counter
	halts metric.Int64Counter
}

func newStageMetrics(log *slog.Logger) *stageMetrics {
	meter := otel.Meter("github.com/hoshiyomi-live/hoshiyomi/internal/pipeline")
	m := &stageMetrics{}

	var err error
	m.rows, err = meter.Int64Counter("hoshiyomi.stage.rows_advanced",
		metric.WithDescription("Rows advanced per stage cycle"))
	if err != nil {
		log.Warn("failed to create rows_advanced counter", slog.String("error", err.Error()))
	}
	m.halts, err = meter.Int64Counter("hoshiyomi.stage.halts",
		metric.WithDescription("Stage halts caused by store failures"))
	if err != nil {
		log.Warn("failed to create halts counter", slog.String("error", err.Error()))
	}
	return m
}

func (m *stageMetrics) processed(ctx context.Context, stage string, n int) {
	if m.rows == nil {
		return
	}
	m.rows.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *stageMetrics) halted(ctx context.Context, stage string) {
	if m.halts == nil {
		return
	}
	m.halts.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
