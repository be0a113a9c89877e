package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// runPartition is the partition's worker loop: stall while the agent is
// paused, pop the best task, acquire a concurrency slot, execute.
func (d *Dispatcher) runPartition(p *partition) {
	defer d.wg.Done()
	ctx := context.Background()

	for {
		// A paused agent stalls the partition without draining it
		for {
			paused, err := d.registry.IsPaused(ctx, p.tenantID, p.kind)
			if err != nil || !paused {
				break
			}
			select {
			case <-time.After(d.pausePoll):
			case <-d.shutdown:
				return
			}
		}

		it, ok := p.pop()
		if !ok {
			select {
			case <-p.notify:
				continue
			case <-d.shutdown:
				return
			}
		}

		select {
		case p.slots <- struct{}{}:
		case <-d.shutdown:
			return
		}

		d.wg.Add(1)
		go func(it *item) {
			defer d.wg.Done()
			defer func() { <-p.slots }()
			d.execute(p, it)
		}(it)
	}
}

// execute runs one popped task to a terminal state
func (d *Dispatcher) execute(p *partition, it *item) {
	ctx := context.Background()

	var task models.Task
	if err := d.store.Get(ctx, store.ColTasks, it.id.String(), &task); err != nil {
		d.logger.Error("queued task vanished", map[string]interface{}{
			"task_id": it.id.String(), "error": err.Error(),
		})
		return
	}
	if task.State != models.TaskStateQueued {
		// Cancelled while waiting in the heap
		return
	}

	now := d.clk.Now()
	if task.Deadline != nil && !now.Before(*task.Deadline) {
		task.State = models.TaskStateRunning
		task.StartedAt = &now
		d.finish(ctx, &task, nil, models.TaskStateFailed, &models.TaskError{
			Class: models.FailurePermanent, Message: "deadline expired before execution started",
		})
		return
	}

	started := now
	task.State = models.TaskStateRunning
	task.StartedAt = &started
	if err := d.store.Update(ctx, store.ColTasks, task.ID.String(), task.Version, &task); err != nil {
		d.logger.Warn("lost start race", map[string]interface{}{"task_id": task.ID.String()})
		return
	}

	wait := task.QueueWait()
	d.sample(ctx, &task, models.MetricQueueWaitMs, float64(wait.Milliseconds()), nil)
	d.metrics.RecordDuration("task_queue_wait", wait, map[string]string{"agent": string(task.AgentKind)})

	execCtx, cancel := context.WithCancel(context.Background())
	if task.Deadline != nil {
		execCtx, cancel = context.WithDeadline(context.Background(), *task.Deadline)
	}
	d.trackCancel(task.ID, cancel)
	defer d.untrackCancel(task.ID)
	defer cancel()

	agent, err := d.registry.Agent(task.AgentKind)
	if err != nil {
		d.finish(ctx, &task, nil, models.TaskStateFailed, &models.TaskError{
			Class: models.FailurePermanent, Message: err.Error(),
		})
		return
	}

	// Handle runs in its own goroutine so an uncooperative handler can be
	// abandoned once the context ends and the grace period expires. The
	// channel is buffered; a late return neither blocks nor is kept.
	type handleOutcome struct {
		result models.JSONMap
		err    error
	}
	done := make(chan handleOutcome, 1)
	go func() {
		result, err := agent.Handle(execCtx, &task, d.registry.Toolkit())
		done <- handleOutcome{result: result, err: err}
	}()

	var result models.JSONMap
	var handleErr error
	abandoned := false
	select {
	case out := <-done:
		result, handleErr = out.result, out.err
	case <-execCtx.Done():
		select {
		case out := <-done:
			result, handleErr = out.result, out.err
		case <-time.After(d.cfg.CancelGrace):
			abandoned = true
		}
	}

	execMs := float64(d.clk.Now().Sub(started).Milliseconds())
	d.sample(ctx, &task, models.MetricExecMs, execMs, nil)
	d.metrics.RecordDuration("task_execution", d.clk.Now().Sub(started), map[string]string{"agent": string(task.AgentKind)})

	switch {
	case abandoned && execCtx.Err() == context.Canceled:
		d.finish(ctx, &task, nil, models.TaskStateCancelled, &models.TaskError{
			Class: models.FailureCancelled, Message: "abandoned after cancellation grace period",
		})

	case abandoned:
		d.finish(ctx, &task, nil, models.TaskStateFailed, &models.TaskError{
			Class: models.FailurePermanent, Message: "abandoned after deadline grace period",
		})

	case execCtx.Err() == context.Canceled:
		// A result that arrives after cancellation is discarded, success
		// included
		d.finish(ctx, &task, nil, models.TaskStateCancelled, &models.TaskError{
			Class: models.FailureCancelled, Message: "cancelled while running",
		})

	case handleErr == nil:
		task.Result = result
		d.finish(ctx, &task, result, models.TaskStateSucceeded, nil)

	case isTransient(handleErr):
		d.retryOrFail(ctx, p, &task, handleErr)

	default:
		d.finish(ctx, &task, nil, models.TaskStateFailed, &models.TaskError{
			Class: models.FailurePermanent, Message: handleErr.Error(),
		})
	}
}

// isTransient reports whether a failure is worth another attempt
func isTransient(err error) bool {
	if errors.IsTransient(err) {
		return true
	}
	return providers.FallsOver(err)
}

// retryOrFail finalises a transiently-failed task: when attempt budget
// and deadline allow, a fresh task is persisted and scheduled after the
// backoff wait, and the failed task links to it via retried_as.
func (d *Dispatcher) retryOrFail(ctx context.Context, p *partition, task *models.Task, cause error) {
	taskErr := &models.TaskError{Class: models.FailureTransient, Message: cause.Error()}

	wait := d.retryWait(task.Attempt)
	retryAt := d.clk.Now().Add(wait)
	switch {
	case task.Attempt >= d.cfg.MaxAttempts:
		taskErr.Message = taskErr.Message + " (attempt budget exhausted)"
	case task.Deadline != nil && retryAt.After(*task.Deadline):
		taskErr.Message = taskErr.Message + " (deadline forbids another attempt)"
	default:
		retry := &models.Task{
			ID:          d.ids.NewID(),
			TenantID:    task.TenantID,
			AgentKind:   task.AgentKind,
			Kind:        task.Kind,
			State:       models.TaskStateQueued,
			Priority:    task.Priority,
			SubmittedBy: task.SubmittedBy,
			DelegatedBy: task.DelegatedBy,
			CollabID:    task.CollabID,
			ParentID:    &task.ID,
			Attempt:     task.Attempt + 1,
			Payload:     task.Payload,
			CreatedAt:   d.clk.Now(),
			Deadline:    task.Deadline,
		}
		if err := d.store.Put(ctx, store.ColTasks, retry.ID.String(), retry); err != nil {
			d.logger.Error("retry task persist failed", map[string]interface{}{
				"task_id": task.ID.String(), "error": err.Error(),
			})
		} else {
			taskErr.RetriedAs = &retry.ID
			d.sample(ctx, task, models.MetricTaskRetry, 1, map[string]string{"attempt": strconv.Itoa(retry.Attempt)})
			d.metrics.IncrementCounterWithLabels("task_retries_total", 1, map[string]string{
				"agent": string(task.AgentKind),
			})
			d.scheduleRetry(p, retry, wait)
		}
	}

	d.finish(ctx, task, nil, models.TaskStateFailed, taskErr)
}

// scheduleRetry pushes the fresh task into its partition after the
// backoff wait. The task is already durably queued, so a shutdown during
// the wait loses nothing.
func (d *Dispatcher) scheduleRetry(p *partition, retry *models.Task, wait time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-time.After(wait):
			p.push(retry.ID, retry.Priority, retry.CreatedAt)
		case <-d.shutdown:
		}
	}()
}

// finish moves a running task to its terminal state and folds the
// outcome into the agent's counters
func (d *Dispatcher) finish(ctx context.Context, task *models.Task, result models.JSONMap, state models.TaskState, taskErr *models.TaskError) {
	now := d.clk.Now()
	task.State = state
	task.Result = result
	task.Error = taskErr
	task.FinishedAt = &now

	if err := d.store.Update(ctx, store.ColTasks, task.ID.String(), task.Version, task); err != nil {
		d.logger.Error("task finalisation failed", map[string]interface{}{
			"task_id": task.ID.String(), "state": string(state), "error": err.Error(),
		})
		return
	}

	d.sample(ctx, task, models.MetricTaskOutcome, 1, map[string]string{"outcome": string(state)})
	d.metrics.IncrementCounterWithLabels("tasks_finished_total", 1, map[string]string{
		"agent": string(task.AgentKind), "outcome": string(state),
	})

	if state == models.TaskStateSucceeded || state == models.TaskStateFailed {
		latency := task.Duration()
		if err := d.registry.RecordOutcome(ctx, task.TenantID, task.AgentKind,
			state == models.TaskStateSucceeded, latency); err != nil {
			d.logger.Warn("agent outcome record failed", map[string]interface{}{
				"task_id": task.ID.String(), "error": err.Error(),
			})
		}
	}
}

func (d *Dispatcher) trackCancel(id uuid.UUID, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[id] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrackCancel(id uuid.UUID) {
	d.mu.Lock()
	delete(d.cancels, id)
	d.mu.Unlock()
}

