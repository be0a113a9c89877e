package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// Registry owns the agent singletons and their per-tenant descriptors.
// Agent implementations are stateless and shared; the descriptor record
// carries each tenant's status and counters, created lazily on first use.
type Registry struct {
	store   store.Store
	clk     clock.Clock
	ids     clock.IDSource
	logger  observability.Logger
	metrics observability.MetricsClient
	toolkit *Toolkit

	agents map[models.AgentKind]Agent
}

// NewRegistry creates the registry with the five domain agents installed
func NewRegistry(st store.Store, clk clock.Clock, ids clock.IDSource, logger observability.Logger, metrics observability.MetricsClient, tk *Toolkit) *Registry {
	return &Registry{
		store:   st,
		clk:     clk,
		ids:     ids,
		logger:  logger.WithPrefix("agents"),
		metrics: metrics,
		toolkit: tk,
		agents: map[models.AgentKind]Agent{
			models.AgentSales:      NewSales(),
			models.AgentMarketing:  NewMarketing(),
			models.AgentContent:    NewContent(),
			models.AgentAnalytics:  NewAnalytics(),
			models.AgentOperations: NewOperations(),
		},
	}
}

// Toolkit returns the runtime toolkit handed to agents
func (r *Registry) Toolkit() *Toolkit { return r.toolkit }

// Install replaces the implementation behind a kind, for wiring custom
// agent builds. Not safe once dispatch has started.
func (r *Registry) Install(kind models.AgentKind, a Agent) {
	r.agents[kind] = a
}

// Agent returns the shared implementation for a kind
func (r *Registry) Agent(kind models.AgentKind) (Agent, error) {
	a, ok := r.agents[kind]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "no agent of kind %q", kind)
	}
	return a, nil
}

// descriptorID is the singleton record id for a (tenant, kind) pair
func descriptorID(tenantID uuid.UUID, kind models.AgentKind) string {
	return fmt.Sprintf("%s:%s", tenantID, kind)
}

// Descriptor returns the persisted descriptor for a (tenant, kind) pair,
// creating it on first touch. Concurrent first touches race on Put; the
// loser re-reads the winner's record.
func (r *Registry) Descriptor(ctx context.Context, tenantID uuid.UUID, kind models.AgentKind) (*models.AgentDescriptor, error) {
	agent, err := r.Agent(kind)
	if err != nil {
		return nil, err
	}

	id := descriptorID(tenantID, kind)
	var desc models.AgentDescriptor
	err = r.store.Get(ctx, store.ColAgents, id, &desc)
	if err == nil {
		return &desc, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	now := r.clk.Now()
	desc = agent.Describe()
	desc.ID = r.ids.NewID()
	desc.TenantID = tenantID
	desc.CreatedAt = now
	desc.UpdatedAt = now

	if err := r.store.Put(ctx, store.ColAgents, id, &desc); err != nil {
		if errors.IsConflict(err) {
			if gerr := r.store.Get(ctx, store.ColAgents, id, &desc); gerr == nil {
				return &desc, nil
			}
		}
		return nil, err
	}
	r.logger.Info("agent descriptor created", map[string]interface{}{
		"tenant_id": tenantID.String(), "kind": string(kind),
	})
	return &desc, nil
}

// Descriptors returns every kind's descriptor for a tenant, materialising
// any that do not exist yet
func (r *Registry) Descriptors(ctx context.Context, tenantID uuid.UUID) ([]models.AgentDescriptor, error) {
	out := make([]models.AgentDescriptor, 0, len(r.agents))
	for _, kind := range models.AgentKinds() {
		desc, err := r.Descriptor(ctx, tenantID, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, *desc)
	}
	return out, nil
}

// Control applies pause, resume, or reset to a tenant's agent. Reset
// zeroes the counters and returns the agent to idle; pause and resume
// move status along the legal transition edges.
func (r *Registry) Control(ctx context.Context, tenantID uuid.UUID, kind models.AgentKind, op models.ControlOp) (*models.AgentDescriptor, error) {
	if !op.IsValid() {
		return nil, errors.Newf(errors.KindValidation, "unknown control op %q", op)
	}
	agent, err := r.Agent(kind)
	if err != nil {
		return nil, err
	}

	desc, err := r.mutateDescriptor(ctx, tenantID, kind, func(d *models.AgentDescriptor) error {
		switch op {
		case models.ControlPause:
			if d.Status == models.AgentPaused {
				return nil
			}
			if !d.Status.CanTransitionTo(models.AgentPaused) {
				return errors.Newf(errors.KindConflict, "agent %s cannot pause from %s", kind, d.Status)
			}
			d.Status = models.AgentPaused
		case models.ControlResume:
			if d.Status == models.AgentIdle {
				return nil
			}
			if !d.Status.CanTransitionTo(models.AgentIdle) {
				return errors.Newf(errors.KindConflict, "agent %s cannot resume from %s", kind, d.Status)
			}
			d.Status = models.AgentIdle
		case models.ControlReset:
			d.Metrics = models.AgentMetrics{}
			if d.Status != models.AgentIdle && d.Status.CanTransitionTo(models.AgentIdle) {
				d.Status = models.AgentIdle
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := agent.OnControl(op); err != nil {
		return nil, err
	}
	r.logger.Info("agent control applied", map[string]interface{}{
		"tenant_id": tenantID.String(), "kind": string(kind), "op": string(op),
	})
	return desc, nil
}

// IsPaused reports whether a tenant's agent is paused or stopped
func (r *Registry) IsPaused(ctx context.Context, tenantID uuid.UUID, kind models.AgentKind) (bool, error) {
	desc, err := r.Descriptor(ctx, tenantID, kind)
	if err != nil {
		return false, err
	}
	return desc.Status == models.AgentPaused || desc.Status == models.AgentStopped, nil
}

// RecordOutcome folds one finished task into the descriptor's counters
// and emits the per-agent gauge metrics
func (r *Registry) RecordOutcome(ctx context.Context, tenantID uuid.UUID, kind models.AgentKind, success bool, latency time.Duration) error {
	desc, err := r.mutateDescriptor(ctx, tenantID, kind, func(d *models.AgentDescriptor) error {
		total := d.Metrics.Completed + d.Metrics.Failed
		ms := float64(latency.Milliseconds())
		d.Metrics.AvgLatencyMs = (d.Metrics.AvgLatencyMs*float64(total) + ms) / float64(total+1)
		if success {
			d.Metrics.Completed++
		} else {
			d.Metrics.Failed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	labels := map[string]string{"tenant_id": tenantID.String(), "agent": string(kind)}
	r.metrics.RecordGauge("agent_success_rate", desc.Metrics.SuccessRate(), labels)
	r.metrics.RecordGauge("agent_avg_latency_ms", desc.Metrics.AvgLatencyMs, labels)
	return nil
}

// mutateDescriptor runs an optimistic read-modify-write loop over the
// descriptor record
func (r *Registry) mutateDescriptor(ctx context.Context, tenantID uuid.UUID, kind models.AgentKind, mutate func(*models.AgentDescriptor) error) (*models.AgentDescriptor, error) {
	const maxAttempts = 8
	id := descriptorID(tenantID, kind)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		desc, err := r.Descriptor(ctx, tenantID, kind)
		if err != nil {
			return nil, err
		}
		if err := mutate(desc); err != nil {
			return nil, err
		}
		desc.UpdatedAt = r.clk.Now()

		err = r.store.Update(ctx, store.ColAgents, id, desc.Version, desc)
		if err == nil {
			return desc, nil
		}
		if !errors.IsConflict(err) {
			return nil, err
		}
	}
	return nil, errors.Newf(errors.KindConflict, "agent %s/%s descriptor contention", tenantID, kind)
}
