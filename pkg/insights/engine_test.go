package insights

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

type fixture struct {
	engine   *Engine
	recorder *Recorder
	store    store.Store
	clk      *clock.Fake
	tenantID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := observability.NewNoopLogger()
	st := store.NewMemory()
	return &fixture{
		engine:   NewEngine(st, clk, clk, logger),
		recorder: NewRecorder(st, clk, clk, logger),
		store:    st,
		clk:      clk,
		tenantID: uuid.New(),
	}
}

// emit stores a sample at an offset before the fixture's current instant
func (f *fixture) emit(agent models.AgentKind, name string, value float64, labels map[string]string, age time.Duration) {
	f.recorder.Record(context.Background(), models.MetricSample{
		TenantID:  f.tenantID,
		AgentKind: agent,
		Name:      name,
		Value:     value,
		Labels:    labels,
		Timestamp: f.clk.Now().Add(-age),
	})
}

func (f *fixture) emitOutcome(agent models.AgentKind, outcome models.TaskState, age time.Duration) {
	f.emit(agent, models.MetricTaskOutcome, 1, map[string]string{"outcome": string(outcome)}, age)
}

func TestRecorderFillsIdentity(t *testing.T) {
	f := newFixture(t)
	f.recorder.Record(context.Background(), models.MetricSample{
		TenantID: f.tenantID, AgentKind: models.AgentSales, Name: models.MetricExecMs, Value: 42,
	})

	var stored []models.MetricSample
	require.NoError(t, f.store.Query(context.Background(), store.ColMetrics, store.Query{}, &stored))
	require.Len(t, stored, 1)
	assert.NotEqual(t, uuid.Nil, stored[0].ID)
	assert.Equal(t, f.clk.Now(), stored[0].Timestamp)
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, ms := range []float64{100, 200, 300, 400, 1000} {
		f.emit(models.AgentSales, models.MetricExecMs, ms, nil, time.Duration(i+1)*time.Minute)
	}
	f.emitOutcome(models.AgentSales, models.TaskStateSucceeded, time.Minute)
	f.emitOutcome(models.AgentSales, models.TaskStateSucceeded, 2*time.Minute)
	f.emitOutcome(models.AgentSales, models.TaskStateFailed, 3*time.Minute)
	f.emit(models.AgentSales, models.MetricTaskRetry, 1, nil, time.Minute)
	f.emit(models.AgentContent, models.MetricExecMs, 50, nil, time.Minute)
	f.emitOutcome(models.AgentContent, models.TaskStateSucceeded, time.Minute)

	// Outside the window, must not count
	f.emit(models.AgentSales, models.MetricExecMs, 99999, nil, 2*time.Hour)

	summaries, err := f.engine.Summarize(ctx, f.tenantID, time.Hour)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	content, sales := summaries[0], summaries[1]
	assert.Equal(t, models.AgentContent, content.AgentKind)
	assert.Equal(t, models.AgentSales, sales.AgentKind)

	assert.Equal(t, 3, sales.TaskCount)
	assert.InDelta(t, 2.0/3.0, sales.SuccessRate, 0.001)
	assert.InDelta(t, 300, sales.P50ExecMs, 0.001)
	assert.InDelta(t, 1000, sales.P95ExecMs, 0.001)
	assert.Equal(t, 1, sales.Retries)

	assert.Equal(t, 1, content.TaskCount)
	assert.InDelta(t, 1.0, content.SuccessRate, 0.001)

	t.Run("foreign tenant sees nothing", func(t *testing.T) {
		foreign, err := f.engine.Summarize(ctx, uuid.New(), time.Hour)
		require.NoError(t, err)
		assert.Empty(t, foreign)
	})
}

func TestDetectLatencyDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	window := time.Hour

	// Baseline window: steady ~100ms
	for i := 0; i < 8; i++ {
		f.emit(models.AgentSales, models.MetricExecMs, 100+float64(i), nil, window+time.Duration(i+1)*time.Minute)
	}
	// Recent window: ~900ms
	for i := 0; i < 8; i++ {
		f.emit(models.AgentSales, models.MetricExecMs, 900+float64(i), nil, time.Duration(i+1)*time.Minute)
	}

	found, err := f.engine.Detect(ctx, f.tenantID, window)
	require.NoError(t, err)
	require.Len(t, found, 1)

	anomaly := found[0]
	assert.Equal(t, models.InsightAnomaly, anomaly.Kind)
	assert.Equal(t, models.AgentSales, anomaly.AgentKind)
	assert.Equal(t, models.SeverityCritical, anomaly.Severity)
	assert.Greater(t, anomaly.Confidence, 0.5)
	assert.LessOrEqual(t, anomaly.Confidence, 1.0)
	assert.Contains(t, anomaly.Summary, "latency")

	t.Run("persisted and retrievable", func(t *testing.T) {
		stored, err := f.engine.Insights(ctx, f.tenantID, models.InsightAnomaly, 10)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, anomaly.ID, stored[0].ID)
	})
}

func TestDetectRequiresSamples(t *testing.T) {
	f := newFixture(t)

	// Two slow tasks against two fast ones: below the sample gate
	f.emit(models.AgentSales, models.MetricExecMs, 100, nil, 90*time.Minute)
	f.emit(models.AgentSales, models.MetricExecMs, 100, nil, 80*time.Minute)
	f.emit(models.AgentSales, models.MetricExecMs, 5000, nil, time.Minute)
	f.emit(models.AgentSales, models.MetricExecMs, 5000, nil, 2*time.Minute)

	found, err := f.engine.Detect(context.Background(), f.tenantID, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, found, "too few samples to call anything an anomaly")
}

func TestDetectFailureRatio(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 6; i++ {
		f.emitOutcome(models.AgentOperations, models.TaskStateFailed, time.Duration(i+1)*time.Minute)
	}
	for i := 0; i < 2; i++ {
		f.emitOutcome(models.AgentOperations, models.TaskStateSucceeded, time.Duration(i+10)*time.Minute)
	}

	found, err := f.engine.Detect(context.Background(), f.tenantID, time.Hour)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, models.SeverityHigh, found[0].Severity, "75%% failure ratio")
	assert.Contains(t, found[0].Summary, "failed 6 of 8")

	t.Run("healthy ratio stays quiet", func(t *testing.T) {
		g := newFixture(t)
		for i := 0; i < 9; i++ {
			g.emitOutcome(models.AgentSales, models.TaskStateSucceeded, time.Duration(i+1)*time.Minute)
		}
		g.emitOutcome(models.AgentSales, models.TaskStateFailed, time.Minute)
		found, err := g.engine.Detect(context.Background(), g.tenantID, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestRecommend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Slow agent: p95 past the caching threshold
	for i := 0; i < 10; i++ {
		f.emit(models.AgentContent, models.MetricExecMs, 8000, nil, time.Duration(i+1)*time.Minute)
		f.emitOutcome(models.AgentContent, models.TaskStateSucceeded, time.Duration(i+1)*time.Minute)
	}
	// Flaky agent: retry-heavy
	for i := 0; i < 4; i++ {
		f.emitOutcome(models.AgentSales, models.TaskStateSucceeded, time.Duration(i+1)*time.Minute)
		f.emit(models.AgentSales, models.MetricTaskRetry, 1, nil, time.Duration(i+1)*time.Minute)
	}
	// Degraded agent: falling back to the safe default
	for i := 0; i < 4; i++ {
		f.emitOutcome(models.AgentOperations, models.TaskStateSucceeded, time.Duration(i+1)*time.Minute)
		f.emit(models.AgentOperations, models.MetricProviderFall, 1,
			map[string]string{"from": "primary", "to": "safe-default"}, time.Duration(i+1)*time.Minute)
	}

	recs, err := f.engine.Recommend(ctx, f.tenantID, time.Hour)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	patterns := map[string]bool{}
	for _, r := range recs {
		assert.Equal(t, models.InsightRecommendation, r.Kind)
		patterns[r.Detail.GetString("pattern")] = true
	}
	assert.True(t, patterns["high_latency"])
	assert.True(t, patterns["transient_failures"])
	assert.True(t, patterns["provider_fallbacks"])

	stored, err := f.engine.Insights(ctx, f.tenantID, models.InsightRecommendation, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestPercentile(t *testing.T) {
	vals := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.InDelta(t, 50, percentile(vals, 0.5), 0.001)
	assert.InDelta(t, 100, percentile(vals, 0.95), 0.001)
	assert.InDelta(t, 10, percentile(vals, 0.01), 0.001)
	assert.Zero(t, percentile(nil, 0.5))
}

func TestTuneThresholds(t *testing.T) {
	t.Run("raised sensitivity silences a drift", func(t *testing.T) {
		f := newFixture(t)
		window := time.Hour
		for i := 0; i < 8; i++ {
			f.emit(models.AgentSales, models.MetricExecMs, 100+float64(i), nil, window+time.Duration(i+1)*time.Minute)
		}
		for i := 0; i < 8; i++ {
			f.emit(models.AgentSales, models.MetricExecMs, 900+float64(i), nil, time.Duration(i+1)*time.Minute)
		}
		f.engine.Tune(1000, 0)

		found, err := f.engine.Detect(context.Background(), f.tenantID, window)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("confidence floor suppresses weak findings", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 6; i++ {
			f.emitOutcome(models.AgentOperations, models.TaskStateFailed, time.Duration(i+1)*time.Minute)
		}
		for i := 0; i < 2; i++ {
			f.emitOutcome(models.AgentOperations, models.TaskStateSucceeded, time.Duration(i+10)*time.Minute)
		}
		f.engine.Tune(0, 0.95)

		found, err := f.engine.Detect(context.Background(), f.tenantID, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("zero values keep the defaults", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 6; i++ {
			f.emitOutcome(models.AgentOperations, models.TaskStateFailed, time.Duration(i+1)*time.Minute)
		}
		for i := 0; i < 2; i++ {
			f.emitOutcome(models.AgentOperations, models.TaskStateSucceeded, time.Duration(i+10)*time.Minute)
		}
		f.engine.Tune(0, 0)

		found, err := f.engine.Detect(context.Background(), f.tenantID, time.Hour)
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})
}
