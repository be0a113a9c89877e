package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentKind names one of the fixed domain agents the registry ships with
type AgentKind string

const (
	AgentSales      AgentKind = "sales"
	AgentMarketing  AgentKind = "marketing"
	AgentContent    AgentKind = "content"
	AgentAnalytics  AgentKind = "analytics"
	AgentOperations AgentKind = "operations"
)

// AgentKinds lists every kind in registry order
func AgentKinds() []AgentKind {
	return []AgentKind{AgentSales, AgentMarketing, AgentContent, AgentAnalytics, AgentOperations}
}

// IsValid returns true for a known agent kind
func (k AgentKind) IsValid() bool {
	switch k {
	case AgentSales, AgentMarketing, AgentContent, AgentAnalytics, AgentOperations:
		return true
	default:
		return false
	}
}

// ParseAgentKind converts the path segment form into an AgentKind
func ParseAgentKind(s string) (AgentKind, error) {
	k := AgentKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown agent kind %q", s)
	}
	return k, nil
}

// AgentStatus represents an agent's operational state
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentPaused  AgentStatus = "paused"
	AgentStopped AgentStatus = "stopped"
)

// agentTransitions is the closed set of legal status transitions
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentIdle:    {AgentBusy, AgentPaused, AgentStopped},
	AgentBusy:    {AgentIdle, AgentPaused, AgentStopped},
	AgentPaused:  {AgentIdle, AgentStopped},
	AgentStopped: {AgentIdle},
}

// CanTransitionTo reports whether s → target is a legal transition
func (s AgentStatus) CanTransitionTo(target AgentStatus) bool {
	for _, t := range agentTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ControlOp is a control-plane operation against an agent
type ControlOp string

const (
	ControlPause  ControlOp = "pause"
	ControlResume ControlOp = "resume"
	ControlReset  ControlOp = "reset"
)

// IsValid returns true for a known control op
func (op ControlOp) IsValid() bool {
	switch op {
	case ControlPause, ControlResume, ControlReset:
		return true
	default:
		return false
	}
}

// AgentMetrics accumulates per-agent execution counters. Reset zeroes
// the counters but preserves the descriptor identity.
type AgentMetrics struct {
	Completed    int64   `json:"completed"`
	Failed       int64   `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// SuccessRate returns completed / (completed + failed), 0 when idle so far
func (m AgentMetrics) SuccessRate() float64 {
	total := m.Completed + m.Failed
	if total == 0 {
		return 0
	}
	return float64(m.Completed) / float64(total)
}

// AgentDescriptor is the persisted identity of an agent instance,
// singleton per kind per tenant.
type AgentDescriptor struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	TenantID     uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	Kind         AgentKind    `json:"kind" db:"kind"`
	Capabilities []string     `json:"capabilities" db:"capabilities"`
	Status       AgentStatus  `json:"status" db:"status"`
	Metrics      AgentMetrics `json:"metrics" db:"metrics"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
	Version      int64        `json:"version" db:"version"`
}
