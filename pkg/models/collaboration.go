package models

import (
	"time"

	"github.com/google/uuid"
)

// Collaboration orchestrates a sequence of tasks across agent kinds.
// Status is derived from child task states, never stored authoritatively.
type Collaboration struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	TenantID     uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	Orchestrator uuid.UUID    `json:"orchestrator" db:"orchestrator"`
	Participants []AgentKind  `json:"participants" db:"participants"`
	Goal         string       `json:"goal" db:"goal"`
	TaskFlow     []CollabStep `json:"task_flow" db:"task_flow"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`

	// Archived collaborations keep the last computed status snapshot
	// and drop task_flow detail after the retention window.
	Archived       bool         `json:"archived,omitempty" db:"archived"`
	ArchivedStatus CollabStatus `json:"archived_status,omitempty" db:"archived_status"`

	Version int64 `json:"version" db:"version"`
}

// CollabStep is one ordered entry in a collaboration's task flow.
// It references its task weakly by id; tasks never point back.
type CollabStep struct {
	Index     int       `json:"index"`
	AgentKind AgentKind `json:"agent_kind"`
	TaskID    uuid.UUID `json:"task_id"`
	AddedAt   time.Time `json:"added_at"`
}

// CollabStatus is the aggregate of a collaboration's child task states
type CollabStatus string

const (
	CollabPending    CollabStatus = "pending"
	CollabInProgress CollabStatus = "in_progress"
	CollabSucceeded  CollabStatus = "succeeded"
	CollabPartial    CollabStatus = "partial"
	CollabFailed     CollabStatus = "failed"
)

// AggregateCollabStatus folds child task states into a collaboration
// status. An empty flow is pending, not an error. A cancelled step
// counts as failed: the collaboration did not get that step's work.
func AggregateCollabStatus(states []TaskState) CollabStatus {
	if len(states) == 0 {
		return CollabPending
	}
	var succeeded, failed, active int
	for _, s := range states {
		switch s {
		case TaskStateSucceeded:
			succeeded++
		case TaskStateFailed, TaskStateCancelled:
			failed++
		default:
			active++
		}
	}
	switch {
	case active > 0:
		return CollabInProgress
	case failed == 0:
		return CollabSucceeded
	case succeeded > 0:
		return CollabPartial
	default:
		return CollabFailed
	}
}
