package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// Auditor appends AuditEvents to the store. Services call Record before
// returning success from a privileged mutation; the event is part of the
// mutation's contract, so a failed append fails the call.
type Auditor struct {
	store  store.Store
	clk    clock.Clock
	ids    clock.IDSource
	logger observability.Logger
}

// NewAuditor creates an audit writer
func NewAuditor(st store.Store, clk clock.Clock, ids clock.IDSource, logger observability.Logger) *Auditor {
	return &Auditor{store: st, clk: clk, ids: ids, logger: logger.WithPrefix("audit")}
}

// Record appends one audit event
func (a *Auditor) Record(ctx context.Context, tenantID, actorID uuid.UUID, action, subject string, outcome models.AuditOutcome, detail models.JSONMap) error {
	event := &models.AuditEvent{
		ID:        a.ids.NewID(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Action:    action,
		Subject:   subject,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: a.clk.Now(),
	}
	if err := a.store.Put(ctx, store.ColAuditEvents, event.ID.String(), event); err != nil {
		a.logger.Error("audit append failed", map[string]interface{}{
			"action": action, "subject": subject, "error": err.Error(),
		})
		return errors.Wrap(err, errors.KindInternal, "append audit event")
	}
	return nil
}

// RecordDenied appends a denial without failing the caller; denials are
// already on an error path and best-effort recording is acceptable there.
func (a *Auditor) RecordDenied(ctx context.Context, tenantID, actorID uuid.UUID, action, subject string, detail models.JSONMap) {
	if err := a.Record(ctx, tenantID, actorID, action, subject, models.AuditDenied, detail); err != nil {
		a.logger.Warn("denied-action audit dropped", map[string]interface{}{"action": action})
	}
}

// Events lists a tenant's audit trail, newest first
func (a *Auditor) Events(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	q := store.Query{
		Filters: []store.Filter{store.Eq("tenant_id", tenantID)},
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   limit,
	}
	if err := a.store.Query(ctx, store.ColAuditEvents, q, &events); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query audit events")
	}
	return events, nil
}
