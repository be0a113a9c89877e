// Package store defines the persistence port used by every service and
// its two implementations: an in-process memory store and a postgres
// store with JSONB documents. Single-record operations are atomic;
// nothing here assumes cross-collection transactions.
package store

import (
	"context"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
)

// Store is the persistence port. Put creates; re-putting an existing id
// fails with Conflict. Update replaces a record only when its stored
// version matches expectedVersion. Query and Stream decode JSON documents
// into caller-supplied destinations.
type Store interface {
	// Put creates a record. Fails with Conflict when the id exists.
	Put(ctx context.Context, collection, id string, value interface{}) error

	// Get decodes the record into out. Fails with NotFound.
	Get(ctx context.Context, collection, id string, out interface{}) error

	// Query decodes matching records into out, which must be a pointer
	// to a slice.
	Query(ctx context.Context, collection string, q Query, out interface{}) error

	// Count returns the number of matching records.
	Count(ctx context.Context, collection string, q Query) (int, error)

	// Update replaces the record iff its stored version equals
	// expectedVersion, then stores value with version expectedVersion+1.
	// Fails with NotFound or Conflict.
	Update(ctx context.Context, collection, id string, expectedVersion int64, value interface{}) error

	// Delete removes a record. Fails with NotFound.
	Delete(ctx context.Context, collection, id string) error

	// Stream returns a lazy iterator over matching records.
	Stream(ctx context.Context, collection string, q Query) (Iterator, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Iterator walks a result set lazily. Callers must Close it.
type Iterator interface {
	Next(ctx context.Context) bool
	Scan(out interface{}) error
	Err() error
	Close() error
}

// Versioned is implemented by records carrying an optimistic lock counter.
// The store owns the counter: Put writes 1, Update writes expected+1.
type Versioned interface {
	GetVersion() int64
	SetVersion(int64)
}

// Op is a filter comparison operator
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Filter compares a document field against a value. Values are compared
// in their JSON form; time fields declared in the collection catalogue
// compare chronologically.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// Query selects, orders, and bounds a scan over one collection
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Eq is shorthand for an equality filter
func Eq(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Gte is shorthand for a lower-bound filter
func Gte(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpGte, Value: value}
}

// Lte is shorthand for an upper-bound filter
func Lte(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpLte, Value: value}
}

// FieldType drives comparison and index DDL for declared fields
type FieldType string

const (
	FieldString FieldType = "string"
	FieldTime   FieldType = "time"
	FieldNumber FieldType = "number"
)

// Collection names
const (
	ColTenants     = "tenants"
	ColUsers       = "users"
	ColSessions    = "sessions"
	ColAgents      = "agents"
	ColTasks       = "tasks"
	ColCollabs     = "collaborations"
	ColAuditEvents = "audit_events"
	ColMetrics     = "metric_samples"
	ColUsage       = "tenant_usage"
	ColInsights    = "insights"
	ColResellers   = "reseller_packages"
)

// CollectionSpec declares a collection and its indexed fields
type CollectionSpec struct {
	Name    string
	Indexed map[string]FieldType
}

// Collections is the closed catalogue of persisted collections. Both
// implementations honour the declared indexed fields; queries outside
// them still work but make no latency promise.
var Collections = map[string]CollectionSpec{
	ColTenants: {Name: ColTenants, Indexed: map[string]FieldType{
		"primary_domain": FieldString,
		"status":         FieldString,
	}},
	ColUsers: {Name: ColUsers, Indexed: map[string]FieldType{
		"tenant_id": FieldString,
		"email":     FieldString,
	}},
	ColSessions: {Name: ColSessions, Indexed: map[string]FieldType{
		"user_id":   FieldString,
		"tenant_id": FieldString,
	}},
	ColAgents: {Name: ColAgents, Indexed: map[string]FieldType{
		"tenant_id": FieldString,
		"kind":      FieldString,
	}},
	ColTasks: {Name: ColTasks, Indexed: map[string]FieldType{
		"tenant_id":  FieldString,
		"agent_kind": FieldString,
		"state":      FieldString,
		"created_at": FieldTime,
		"parent_id":  FieldString,
		"collab_id":  FieldString,
	}},
	ColCollabs: {Name: ColCollabs, Indexed: map[string]FieldType{
		"tenant_id":  FieldString,
		"created_at": FieldTime,
	}},
	ColAuditEvents: {Name: ColAuditEvents, Indexed: map[string]FieldType{
		"tenant_id": FieldString,
		"timestamp": FieldTime,
	}},
	ColMetrics: {Name: ColMetrics, Indexed: map[string]FieldType{
		"tenant_id": FieldString,
		"name":      FieldString,
		"timestamp": FieldTime,
	}},
	ColUsage: {Name: ColUsage, Indexed: map[string]FieldType{
		"tenant_id": FieldString,
		"day":       FieldString,
	}},
	ColInsights: {Name: ColInsights, Indexed: map[string]FieldType{
		"tenant_id":  FieldString,
		"kind":       FieldString,
		"created_at": FieldTime,
	}},
	ColResellers: {Name: ColResellers, Indexed: map[string]FieldType{
		"tenant_id": FieldString,
		"name":      FieldString,
	}},
}

// fieldType resolves a declared field type, FieldString when undeclared
func fieldType(collection, field string) FieldType {
	if spec, ok := Collections[collection]; ok {
		if ft, ok := spec.Indexed[field]; ok {
			return ft
		}
	}
	return FieldString
}

// ErrNotFound builds the canonical missing-record error
func ErrNotFound(collection, id string) error {
	return errors.Newf(errors.KindNotFound, "%s/%s not found", collection, id)
}

// ErrConflict builds the canonical precondition error
func ErrConflict(collection, id string) error {
	return errors.Newf(errors.KindConflict, "%s/%s version or uniqueness conflict", collection, id)
}
