package models

import (
	"time"

	"github.com/google/uuid"
)

// Metric sample names emitted by the dispatcher and provider chain.
// The insights engine aggregates over these.
const (
	MetricQueueWaitMs   = "task.queue_wait_ms"
	MetricExecMs        = "task.exec_ms"
	MetricTaskOutcome   = "task.outcome"
	MetricTaskRetry     = "task.retry"
	MetricProviderCall  = "provider.call"
	MetricProviderFall  = "provider.fallback"
	MetricCacheHitRate  = "cache.hit_rate"
)

// MetricSample is one append-only telemetry point scoped to a tenant.
// AgentKind is empty for platform-level samples.
type MetricSample struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TenantID  uuid.UUID `json:"tenant_id" db:"tenant_id"`
	AgentKind AgentKind `json:"agent_kind,omitempty" db:"agent_kind"`
	Name      string    `json:"name" db:"name"`
	Value     float64   `json:"value" db:"value"`
	Labels    map[string]string `json:"labels,omitempty" db:"labels"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Insight is a stored product of the insights engine: a summary,
// anomaly, or recommendation for a tenant and window.
type Insight struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	TenantID  uuid.UUID   `json:"tenant_id" db:"tenant_id"`
	Kind      InsightKind `json:"kind" db:"kind"`
	AgentKind AgentKind   `json:"agent_kind,omitempty" db:"agent_kind"`
	Severity  Severity    `json:"severity,omitempty" db:"severity"`
	// Confidence is meaningful for anomalies only, in [0,1]
	Confidence float64   `json:"confidence,omitempty" db:"confidence"`
	Summary    string    `json:"summary" db:"summary"`
	Detail     JSONMap   `json:"detail,omitempty" db:"detail"`
	WindowFrom time.Time `json:"window_from" db:"window_from"`
	WindowTo   time.Time `json:"window_to" db:"window_to"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// InsightKind distinguishes the engine's products
type InsightKind string

const (
	InsightSummary        InsightKind = "summary"
	InsightAnomaly        InsightKind = "anomaly"
	InsightRecommendation InsightKind = "recommendation"
)

// Severity ranks how urgent an anomaly is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)
