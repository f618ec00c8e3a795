package export

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/cohort/internal/model"
	"github.com/ashita-ai/cohort/internal/telemetry"
)

// MetricsObserver counts export outcomes with OpenTelemetry counters.
type MetricsObserver struct {
	exported metric.Int64Counter
	failed   metric.Int64Counter
	flagged  metric.Int64Counter
}

// NewMetricsObserver registers the export counters on the global meter.
func NewMetricsObserver() (*MetricsObserver, error) {
	meter := telemetry.Meter("cohort/export")

	exported, err := meter.Int64Counter("cohort.export.records",
		metric.WithDescription("Payment records appended"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("cohort.export.failures",
		metric.WithDescription("Payment record appends that failed"))
	if err != nil {
		return nil, err
	}
	flagged, err := meter.Int64Counter("cohort.export.flagged",
		metric.WithDescription("Payment records written with export errors"))
	if err != nil {
		return nil, err
	}
	return &MetricsObserver{exported: exported, failed: failed, flagged: flagged}, nil
}

// Exported implements Observer.
func (m *MetricsObserver) Exported(ctx context.Context, rec model.PaymentRecord, _ string) {
	batch, _ := rec[model.PaymentBatchID].(string)
	attrs := metric.WithAttributes(attribute.String("cohort.batch_id", batch))
	m.exported.Add(ctx, 1, attrs)
	if len(rec.ExportErrors()) > 0 {
		m.flagged.Add(ctx, 1, attrs)
	}
}

// ExportFailed implements Observer.
func (m *MetricsObserver) ExportFailed(ctx context.Context, _, _ string, _ error) {
	m.failed.Add(ctx, 1)
}
