package insights

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// Detection thresholds. Deviations are measured in baseline standard
// deviations; ratios are failure shares of finished tasks.
const (
	anomalyZ        = 2.0
	failureRatioLow = 0.25
	failureRatioHi  = 0.5

	// minSamples gates detection so a couple of slow tasks do not page anyone
	minSamples = 5

	// highLatencyP95Ms triggers the caching recommendation
	highLatencyP95Ms = 5000
)

// Engine computes summaries, anomalies, and recommendations from stored
// metric samples
type Engine struct {
	store  store.Store
	clk    clock.Clock
	ids    clock.IDSource
	logger observability.Logger

	sensitivity   float64
	minConfidence float64
}

// NewEngine creates the insights engine
func NewEngine(st store.Store, clk clock.Clock, ids clock.IDSource, logger observability.Logger) *Engine {
	return &Engine{
		store:       st,
		clk:         clk,
		ids:         ids,
		logger:      logger.WithPrefix("insights"),
		sensitivity: anomalyZ,
	}
}

// Tune overrides the detection thresholds. Zero values keep the
// defaults: a sensitivity of anomalyZ sigma and no confidence floor.
func (e *Engine) Tune(sensitivity, minConfidence float64) {
	if sensitivity > 0 {
		e.sensitivity = sensitivity
	}
	if minConfidence > 0 {
		e.minConfidence = minConfidence
	}
}

// AgentSummary aggregates one agent's activity over a window
type AgentSummary struct {
	AgentKind   models.AgentKind `json:"agent_kind"`
	TaskCount   int              `json:"task_count"`
	SuccessRate float64          `json:"success_rate"`
	P50ExecMs   float64          `json:"p50_exec_ms"`
	P95ExecMs   float64          `json:"p95_exec_ms"`
	Retries     int              `json:"retries"`
	Fallbacks   int              `json:"fallbacks"`
}

// Summarize computes per-agent aggregates for the trailing window.
// Agents with no activity are omitted.
func (e *Engine) Summarize(ctx context.Context, tenantID uuid.UUID, window time.Duration) ([]AgentSummary, error) {
	if window <= 0 {
		return nil, errors.New(errors.KindValidation, "window must be positive")
	}
	to := e.clk.Now()
	samples, err := e.samples(ctx, tenantID, to.Add(-window), to)
	if err != nil {
		return nil, err
	}

	byAgent := groupByAgent(samples)
	kinds := make([]models.AgentKind, 0, len(byAgent))
	for kind := range byAgent {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	out := make([]AgentSummary, 0, len(kinds))
	for _, kind := range kinds {
		group := byAgent[kind]
		summary := AgentSummary{AgentKind: kind}

		var succeeded, finished int
		var execTimes []float64
		for _, s := range group {
			switch s.Name {
			case models.MetricTaskOutcome:
				finished++
				if s.Labels["outcome"] == string(models.TaskStateSucceeded) {
					succeeded++
				}
			case models.MetricExecMs:
				execTimes = append(execTimes, s.Value)
			case models.MetricTaskRetry:
				summary.Retries++
			case models.MetricProviderFall:
				summary.Fallbacks++
			}
		}
		if finished == 0 && len(execTimes) == 0 {
			continue
		}
		summary.TaskCount = finished
		if finished > 0 {
			summary.SuccessRate = float64(succeeded) / float64(finished)
		}
		summary.P50ExecMs = percentile(execTimes, 0.50)
		summary.P95ExecMs = percentile(execTimes, 0.95)
		out = append(out, summary)
	}
	return out, nil
}

// Detect compares each agent's recent window against the preceding
// baseline window and persists an anomaly insight for every significant
// deviation: latency drift beyond the z threshold, or a failure ratio
// past the ratio thresholds.
func (e *Engine) Detect(ctx context.Context, tenantID uuid.UUID, window time.Duration) ([]models.Insight, error) {
	if window <= 0 {
		return nil, errors.New(errors.KindValidation, "window must be positive")
	}
	to := e.clk.Now()
	from := to.Add(-window)
	baseFrom := from.Add(-window)

	recent, err := e.samples(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	baseline, err := e.samples(ctx, tenantID, baseFrom, from)
	if err != nil {
		return nil, err
	}

	var found []models.Insight
	recentByAgent := groupByAgent(recent)
	baselineByAgent := groupByAgent(baseline)

	for kind, group := range recentByAgent {
		if in := e.detectLatency(kind, group, baselineByAgent[kind]); in != nil && in.Confidence >= e.minConfidence {
			found = append(found, *in)
		}
		if in := e.detectFailures(kind, group); in != nil && in.Confidence >= e.minConfidence {
			found = append(found, *in)
		}
	}

	for i := range found {
		found[i].ID = e.ids.NewID()
		found[i].TenantID = tenantID
		found[i].WindowFrom = from
		found[i].WindowTo = to
		found[i].CreatedAt = to
		if err := e.store.Put(ctx, store.ColInsights, found[i].ID.String(), &found[i]); err != nil {
			return nil, err
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].AgentKind < found[j].AgentKind })
	return found, nil
}

// detectLatency flags a latency mean that drifted past the z threshold
// relative to the baseline window
func (e *Engine) detectLatency(kind models.AgentKind, recent, baseline []models.MetricSample) *models.Insight {
	recentExec := values(recent, models.MetricExecMs)
	baseExec := values(baseline, models.MetricExecMs)
	if len(recentExec) < minSamples || len(baseExec) < minSamples {
		return nil
	}

	baseMean, baseStd := meanStd(baseExec)
	recentMean, _ := meanStd(recentExec)
	// Floor the deviation so near-constant baselines do not divide to infinity
	std := math.Max(baseStd, baseMean*0.05+1)
	z := math.Abs(recentMean-baseMean) / std
	if z < e.sensitivity {
		return nil
	}

	return &models.Insight{
		Kind:       models.InsightAnomaly,
		AgentKind:  kind,
		Severity:   severityForZ(z),
		Confidence: confidence(z/e.sensitivity, len(recentExec)),
		Summary: fmt.Sprintf("%s latency drifted to %.0fms from a %.0fms baseline (%.1f sigma)",
			kind, recentMean, baseMean, z),
		Detail: models.JSONMap{
			"metric":        models.MetricExecMs,
			"recent_mean":   recentMean,
			"baseline_mean": baseMean,
			"z_score":       z,
		},
	}
}

// detectFailures flags a failure ratio past the thresholds within the
// recent window alone
func (e *Engine) detectFailures(kind models.AgentKind, recent []models.MetricSample) *models.Insight {
	var finished, failed int
	for _, s := range recent {
		if s.Name != models.MetricTaskOutcome {
			continue
		}
		finished++
		if s.Labels["outcome"] != string(models.TaskStateSucceeded) {
			failed++
		}
	}
	if finished < minSamples {
		return nil
	}
	ratio := float64(failed) / float64(finished)
	if ratio < failureRatioLow {
		return nil
	}

	severity := models.SeverityMedium
	if ratio >= failureRatioHi {
		severity = models.SeverityHigh
	}
	if ratio >= 0.9 {
		severity = models.SeverityCritical
	}
	return &models.Insight{
		Kind:       models.InsightAnomaly,
		AgentKind:  kind,
		Severity:   severity,
		Confidence: confidence(ratio/failureRatioLow, finished),
		Summary: fmt.Sprintf("%s failed %d of %d tasks (%.0f%%) in the window",
			kind, failed, finished, ratio*100),
		Detail: models.JSONMap{
			"metric":        models.MetricTaskOutcome,
			"failed":        failed,
			"finished":      finished,
			"failure_ratio": ratio,
		},
	}
}

// Recommend derives advisory insights from the window's patterns: high
// p95 latency suggests caching, repeated transient retries suggest
// capacity, and frequent safe-default fallbacks suggest checking the
// provider fleet. Recommendations are persisted like anomalies.
func (e *Engine) Recommend(ctx context.Context, tenantID uuid.UUID, window time.Duration) ([]models.Insight, error) {
	summaries, err := e.Summarize(ctx, tenantID, window)
	if err != nil {
		return nil, err
	}
	to := e.clk.Now()
	from := to.Add(-window)

	var recs []models.Insight
	for _, s := range summaries {
		if s.P95ExecMs >= highLatencyP95Ms {
			recs = append(recs, models.Insight{
				Kind:      models.InsightRecommendation,
				AgentKind: s.AgentKind,
				Severity:  models.SeverityLow,
				Summary: fmt.Sprintf("%s p95 latency is %.0fms; widen response caching for its repeatable task kinds",
					s.AgentKind, s.P95ExecMs),
				Detail: models.JSONMap{"p95_exec_ms": s.P95ExecMs, "pattern": "high_latency"},
			})
		}
		if s.TaskCount > 0 && s.Retries >= s.TaskCount/2 && s.Retries >= 3 {
			recs = append(recs, models.Insight{
				Kind:      models.InsightRecommendation,
				AgentKind: s.AgentKind,
				Severity:  models.SeverityMedium,
				Summary: fmt.Sprintf("%s retried %d times across %d tasks; transient failures suggest a capacity or upstream health problem",
					s.AgentKind, s.Retries, s.TaskCount),
				Detail: models.JSONMap{"retries": s.Retries, "task_count": s.TaskCount, "pattern": "transient_failures"},
			})
		}
		if s.TaskCount > 0 && s.Fallbacks >= s.TaskCount/2 && s.Fallbacks >= 3 {
			recs = append(recs, models.Insight{
				Kind:      models.InsightRecommendation,
				AgentKind: s.AgentKind,
				Severity:  models.SeverityMedium,
				Summary: fmt.Sprintf("%s fell back %d times across %d tasks; check configured model providers",
					s.AgentKind, s.Fallbacks, s.TaskCount),
				Detail: models.JSONMap{"fallbacks": s.Fallbacks, "task_count": s.TaskCount, "pattern": "provider_fallbacks"},
			})
		}
	}

	for i := range recs {
		recs[i].ID = e.ids.NewID()
		recs[i].TenantID = tenantID
		recs[i].WindowFrom = from
		recs[i].WindowTo = to
		recs[i].CreatedAt = to
		if err := e.store.Put(ctx, store.ColInsights, recs[i].ID.String(), &recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Insights retrieves persisted insights for a tenant, newest first. Kind
// narrows to one product when set.
func (e *Engine) Insights(ctx context.Context, tenantID uuid.UUID, kind models.InsightKind, limit int) ([]models.Insight, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := store.Query{
		Filters: []store.Filter{store.Eq("tenant_id", tenantID.String())},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   limit,
	}
	if kind != "" {
		q.Filters = append(q.Filters, store.Eq("kind", string(kind)))
	}
	var out []models.Insight
	if err := e.store.Query(ctx, store.ColInsights, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// samples loads a tenant's metric samples within [from, to)
func (e *Engine) samples(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]models.MetricSample, error) {
	var out []models.MetricSample
	err := e.store.Query(ctx, store.ColMetrics, store.Query{
		Filters: []store.Filter{
			store.Eq("tenant_id", tenantID.String()),
			store.Gte("timestamp", from),
			store.Lte("timestamp", to),
		},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func groupByAgent(samples []models.MetricSample) map[models.AgentKind][]models.MetricSample {
	out := make(map[models.AgentKind][]models.MetricSample)
	for _, s := range samples {
		if s.AgentKind == "" {
			continue
		}
		out[s.AgentKind] = append(out[s.AgentKind], s)
	}
	return out
}

func values(samples []models.MetricSample, name string) []float64 {
	var out []float64
	for _, s := range samples {
		if s.Name == name {
			out = append(out, s.Value)
		}
	}
	return out
}

// percentile returns the p-th percentile by nearest-rank, 0 for no data
func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func meanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(vals)))
	return mean, std
}

func severityForZ(z float64) models.Severity {
	switch {
	case z >= 6:
		return models.SeverityCritical
	case z >= 4:
		return models.SeverityHigh
	case z >= 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// confidence blends deviation strength with sample size into [0,1]
func confidence(strength float64, n int) float64 {
	c := (1 - 1/math.Max(strength, 1)) + float64(n)/40
	return math.Min(1, math.Max(0.1, c))
}
