// Package insights turns the stored metric stream into products: per-agent
// summaries, statistical anomaly detection, and advisory recommendations.
// Results are persisted and pulled by callers; nothing is pushed.
package insights

import (
	"context"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// Recorder is the append-only sink for metric samples. Recording is
// best-effort: telemetry loss must never fail the operation that
// produced it.
type Recorder struct {
	store  store.Store
	clk    clock.Clock
	ids    clock.IDSource
	logger observability.Logger
}

// NewRecorder creates the sample sink
func NewRecorder(st store.Store, clk clock.Clock, ids clock.IDSource, logger observability.Logger) *Recorder {
	return &Recorder{store: st, clk: clk, ids: ids, logger: logger.WithPrefix("insights")}
}

// Record persists one sample, filling identity and timestamp
func (r *Recorder) Record(ctx context.Context, sample models.MetricSample) {
	if sample.ID == uuid.Nil {
		sample.ID = r.ids.NewID()
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.clk.Now()
	}
	if err := r.store.Put(ctx, store.ColMetrics, sample.ID.String(), &sample); err != nil {
		r.logger.Warn("metric sample dropped", map[string]interface{}{
			"name": sample.Name, "error": err.Error(),
		})
	}
}
