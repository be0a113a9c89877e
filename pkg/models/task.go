package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task represents a unit of agent work owned by a single tenant
type Task struct {
	// Core fields
	ID        uuid.UUID `json:"id" db:"id"`
	TenantID  uuid.UUID `json:"tenant_id" db:"tenant_id"`
	AgentKind AgentKind `json:"agent_kind" db:"agent_kind"`
	Kind      string    `json:"kind" db:"kind"`
	State     TaskState `json:"state" db:"state"`
	Priority  int       `json:"priority" db:"priority"`

	// Attribution
	SubmittedBy uuid.UUID  `json:"submitted_by" db:"submitted_by"`
	DelegatedBy string     `json:"delegated_by,omitempty" db:"delegated_by"`
	CollabID    *uuid.UUID `json:"collab_id,omitempty" db:"collab_id"`

	// Retry chain: each retry is a fresh task pointing at its predecessor
	ParentID *uuid.UUID `json:"parent_id,omitempty" db:"parent_id"`
	Attempt  int        `json:"attempt" db:"attempt"`

	// Task data
	Payload JSONMap `json:"payload" db:"payload"`
	Result  JSONMap `json:"result,omitempty" db:"result"`
	Error   *TaskError `json:"error,omitempty" db:"error"`

	// Timestamps
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	Deadline   *time.Time `json:"deadline,omitempty" db:"deadline"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	// Optimistic locking
	Version int64 `json:"version" db:"version"`
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// taskTransitions is the closed set of legal state transitions.
// Terminal states have no outgoing edges and are immutable.
var taskTransitions = map[TaskState][]TaskState{
	TaskStateQueued:  {TaskStateRunning, TaskStateCancelled},
	TaskStateRunning: {TaskStateSucceeded, TaskStateFailed, TaskStateCancelled},
}

// IsValid returns true for a known task state
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStateQueued, TaskStateRunning, TaskStateSucceeded, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transition is allowed
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s → target is a legal transition
func (s TaskState) CanTransitionTo(target TaskState) bool {
	for _, t := range taskTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// FailureClass categorises why a task failed, driving retry decisions
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
	FailureCancelled FailureClass = "cancelled"
)

// TaskError is the structured error blob recorded on a failed task
type TaskError struct {
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
	// RetriedAs links to the fresh task created for the next attempt,
	// set only when the failure was transient and budget remained.
	RetriedAs *uuid.UUID `json:"retried_as,omitempty"`
}

// Value implements driver.Valuer for TaskError
func (e *TaskError) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner for TaskError
func (e *TaskError) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return json.Unmarshal([]byte(v.(string)), e)
	}
}

// Duration returns the task execution duration
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// QueueWait returns how long the task sat queued before starting
func (t *Task) QueueWait() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return t.StartedAt.Sub(t.CreatedAt)
}

// DeadlineExceededBy reports how far past the deadline a moment is,
// or zero when no deadline is set
func (t *Task) DeadlineExceededBy(now time.Time) time.Duration {
	if t.Deadline == nil || now.Before(*t.Deadline) {
		return 0
	}
	return now.Sub(*t.Deadline)
}

// JSONMap is a map[string]interface{} that implements sql.Scanner and driver.Valuer
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		return json.Unmarshal([]byte(v.(string)), (*map[string]interface{})(m))
	}
}

// Clone returns a deep copy via a JSON round trip
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return JSONMap{}
	}
	var out JSONMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return JSONMap{}
	}
	return out
}

// GetString reads a string field from the map, empty when absent or mistyped
func (m JSONMap) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
