// Package queue implements task intake and dispatch. Work is partitioned
// by (tenant, agent kind); each partition owns a priority-FIFO backlog,
// a worker goroutine, and a concurrency budget from the tenant's tier,
// so no tenant can starve another. Retries are fresh tasks linked to
// their predecessor, never in-place re-runs.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/agents"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
	"github.com/pilothouse-ai/pilothouse/pkg/tenant"
)

// Recorder receives dispatcher telemetry for the stored metric stream
type Recorder interface {
	Record(ctx context.Context, sample models.MetricSample)
}

// Config tunes retry and cancellation behaviour
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	JitterPercent int
	CancelGrace   time.Duration
}

// withDefaults fills zero fields with production values
func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.JitterPercent == 0 {
		c.JitterPercent = 20
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = 5 * time.Second
	}
	return c
}

// Dispatcher owns the partitions and their workers
type Dispatcher struct {
	store    store.Store
	tenants  *tenant.Service
	registry *agents.Registry
	recorder Recorder
	clk      clock.Clock
	ids      clock.IDSource
	logger   observability.Logger
	metrics  observability.MetricsClient
	cfg      Config

	// pausePoll bounds how quickly a paused partition notices a resume
	pausePoll time.Duration

	mu         sync.Mutex
	partitions map[string]*partition
	cancels    map[uuid.UUID]context.CancelFunc
	closed     bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates the dispatcher. Workers start lazily, one per
// partition on its first task.
func NewDispatcher(st store.Store, tenants *tenant.Service, registry *agents.Registry, recorder Recorder,
	clk clock.Clock, ids clock.IDSource, logger observability.Logger, metrics observability.MetricsClient, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:      st,
		tenants:    tenants,
		registry:   registry,
		recorder:   recorder,
		clk:        clk,
		ids:        ids,
		logger:     logger.WithPrefix("queue"),
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
		pausePoll:  100 * time.Millisecond,
		partitions: make(map[string]*partition),
		cancels:    make(map[uuid.UUID]context.CancelFunc),
		shutdown:   make(chan struct{}),
	}
}

// SubmitParams describes one task submission
type SubmitParams struct {
	// ID is optional; zero means the dispatcher assigns one. Re-using an
	// id is a Conflict, which makes submission idempotency explicit.
	ID          uuid.UUID
	TenantID    uuid.UUID
	SubmittedBy uuid.UUID
	DelegatedBy string
	CollabID    *uuid.UUID
	AgentKind   models.AgentKind
	Kind        string
	Payload     models.JSONMap
	Priority    int
	Deadline    *time.Time
}

// Submit validates, quota-checks, persists, and enqueues one task. The
// task is durably queued before Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, p SubmitParams) (*models.Task, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errors.New(errors.KindUnavailable, "dispatcher is shutting down")
	}

	if !p.AgentKind.IsValid() {
		return nil, errors.Newf(errors.KindValidation, "unknown agent kind %q", p.AgentKind)
	}
	if p.Priority < 0 || p.Priority > 9 {
		return nil, errors.New(errors.KindValidation, "priority must be between 0 and 9").
			WithField("priority", "out of range")
	}
	if err := agents.ValidatePayload(p.AgentKind, p.Kind, p.Payload); err != nil {
		return nil, err
	}
	now := d.clk.Now()
	if p.Deadline != nil && !p.Deadline.After(now) {
		return nil, errors.New(errors.KindValidation, "deadline is in the past").
			WithField("deadline", "must be in the future")
	}

	tenantRec, err := d.tenants.RequireActive(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	part := d.partition(p.TenantID, p.AgentKind, tenantRec.Quotas().ConcurrentPerAgent)
	if part.depth() >= cap(part.slots) {
		return nil, errors.Newf(errors.KindQuotaExceeded,
			"agent %s backlog is full for this tier", p.AgentKind).
			WithField("dimension", "concurrent_per_agent").
			WithRetryAfter(time.Second)
	}

	if err := d.tenants.ConsumeDailyTask(ctx, tenantRec); err != nil {
		return nil, err
	}

	id := p.ID
	if id == uuid.Nil {
		id = d.ids.NewID()
	}
	task := &models.Task{
		ID:          id,
		TenantID:    p.TenantID,
		AgentKind:   p.AgentKind,
		Kind:        p.Kind,
		State:       models.TaskStateQueued,
		Priority:    p.Priority,
		SubmittedBy: p.SubmittedBy,
		DelegatedBy: p.DelegatedBy,
		CollabID:    p.CollabID,
		Attempt:     1,
		Payload:     p.Payload,
		CreatedAt:   now,
		Deadline:    p.Deadline,
	}
	if err := d.store.Put(ctx, store.ColTasks, id.String(), task); err != nil {
		if errors.IsConflict(err) {
			return nil, errors.Newf(errors.KindConflict, "task %s already submitted", id)
		}
		return nil, err
	}

	part.push(task.ID, task.Priority, task.CreatedAt)
	d.metrics.IncrementCounterWithLabels("tasks_submitted_total", 1, map[string]string{
		"agent": string(p.AgentKind), "kind": p.Kind,
	})
	return task, nil
}

// Recover rebuilds the partition backlogs from the store: every task
// still in queued state is pushed back into its (tenant, agent)
// partition. Submit persists before pushing, so after a crash or
// restart this pass restores exactly the accepted-but-unexecuted work.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	var tasks []models.Task
	err := d.store.Query(ctx, store.ColTasks, store.Query{
		Filters: []store.Filter{store.Eq("state", string(models.TaskStateQueued))},
		OrderBy: "created_at",
	}, &tasks)
	if err != nil {
		return 0, err
	}

	limits := make(map[uuid.UUID]int)
	recovered := 0
	for i := range tasks {
		task := &tasks[i]
		limit, ok := limits[task.TenantID]
		if !ok {
			ten, err := d.tenants.Get(ctx, task.TenantID)
			if err != nil {
				d.logger.Warn("skipping queued tasks of unknown tenant", map[string]interface{}{
					"tenant_id": task.TenantID.String(), "error": err.Error(),
				})
				limits[task.TenantID] = 0
				continue
			}
			limit = ten.Quotas().ConcurrentPerAgent
			limits[task.TenantID] = limit
		}
		if limit <= 0 {
			continue
		}
		p := d.partition(task.TenantID, task.AgentKind, limit)
		p.push(task.ID, task.Priority, task.CreatedAt)
		recovered++
	}
	if recovered > 0 {
		d.logger.Info("recovered queued tasks", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

// Cancel stops a task: queued tasks finalise immediately, running tasks
// have their execution context cancelled and finalise when the handler
// returns
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, taskID uuid.UUID) (*models.Task, error) {
	task, err := d.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	switch task.State {
	case models.TaskStateQueued:
		now := d.clk.Now()
		task.State = models.TaskStateCancelled
		task.FinishedAt = &now
		task.Error = &models.TaskError{Class: models.FailureCancelled, Message: "cancelled before start"}
		if err := d.store.Update(ctx, store.ColTasks, taskID.String(), task.Version, task); err != nil {
			// Lost the race with the dispatcher picking it up
			return nil, errors.Wrap(err, errors.KindConflict, "task state changed during cancel")
		}
		d.sample(ctx, task, models.MetricTaskOutcome, 1, map[string]string{"outcome": "cancelled"})
		return task, nil

	case models.TaskStateRunning:
		d.mu.Lock()
		cancel := d.cancels[taskID]
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return task, nil

	default:
		return nil, errors.Newf(errors.KindConflict, "task %s is already %s", taskID, task.State)
	}
}

// GetTask fetches a task within the tenant's scope
func (d *Dispatcher) GetTask(ctx context.Context, tenantID, taskID uuid.UUID) (*models.Task, error) {
	var task models.Task
	if err := d.store.Get(ctx, store.ColTasks, taskID.String(), &task); err != nil {
		return nil, err
	}
	if task.TenantID != tenantID {
		// Foreign tasks are indistinguishable from absent ones
		return nil, store.ErrNotFound(store.ColTasks, taskID.String())
	}
	return &task, nil
}

// History lists a tenant's most recent tasks, newest first. Kind narrows
// to one agent when set.
func (d *Dispatcher) History(ctx context.Context, tenantID uuid.UUID, kind models.AgentKind, limit int) ([]models.Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := store.Query{
		Filters: []store.Filter{store.Eq("tenant_id", tenantID.String())},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   limit,
	}
	if kind != "" {
		if !kind.IsValid() {
			return nil, errors.Newf(errors.KindValidation, "unknown agent kind %q", kind)
		}
		q.Filters = append(q.Filters, store.Eq("agent_kind", string(kind)))
	}
	var tasks []models.Task
	if err := d.store.Query(ctx, store.ColTasks, q, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Depths reports each agent's backlog depth for a tenant
func (d *Dispatcher) Depths(tenantID uuid.UUID) map[models.AgentKind]int {
	out := make(map[models.AgentKind]int, len(models.AgentKinds()))
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kind := range models.AgentKinds() {
		if p, ok := d.partitions[partitionKey(tenantID, kind)]; ok {
			out[kind] = p.depth()
		} else {
			out[kind] = 0
		}
	}
	return out
}

// Close stops accepting work and joins every worker. Queued tasks stay
// durably queued; nothing is drained.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.shutdown)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func partitionKey(tenantID uuid.UUID, kind models.AgentKind) string {
	return tenantID.String() + ":" + string(kind)
}

// partition returns the (tenant, kind) partition, creating it and
// starting its worker on first use
func (d *Dispatcher) partition(tenantID uuid.UUID, kind models.AgentKind, limit int) *partition {
	key := partitionKey(tenantID, kind)
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.partitions[key]; ok {
		return p
	}
	p := newPartition(key, tenantID, kind, limit)
	d.partitions[key] = p
	if !d.closed {
		d.wg.Add(1)
		go d.runPartition(p)
	}
	return p
}

// sample forwards one telemetry point to the stored stream when a
// recorder is wired
func (d *Dispatcher) sample(ctx context.Context, task *models.Task, name string, value float64, labels map[string]string) {
	if d.recorder == nil {
		return
	}
	d.recorder.Record(ctx, models.MetricSample{
		TenantID:  task.TenantID,
		AgentKind: task.AgentKind,
		Name:      name,
		Value:     value,
		Labels:    labels,
	})
}
