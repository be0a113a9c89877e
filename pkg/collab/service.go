// Package collab coordinates multi-agent collaborations: an orchestrated
// sequence of tasks across agent kinds whose aggregate status is derived
// from the child tasks, never stored as truth. Steps are appended
// explicitly; ordering between steps is the orchestrator's business, the
// coordinator does not block one step on another.
package collab

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/queue"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// maxSteps bounds a collaboration's task flow
const maxSteps = 64

// Service is the collaboration coordinator
type Service struct {
	store      store.Store
	dispatcher *queue.Dispatcher
	clk        clock.Clock
	ids        clock.IDSource
	logger     observability.Logger
	auditor    *auth.Auditor
}

// NewService creates the coordinator
func NewService(st store.Store, dispatcher *queue.Dispatcher, clk clock.Clock, ids clock.IDSource, logger observability.Logger, auditor *auth.Auditor) *Service {
	return &Service{
		store:      st,
		dispatcher: dispatcher,
		clk:        clk,
		ids:        ids,
		logger:     logger.WithPrefix("collab"),
		auditor:    auditor,
	}
}

// InitiateParams describes a new collaboration
type InitiateParams struct {
	TenantID     uuid.UUID
	Orchestrator uuid.UUID
	Goal         string
	Participants []models.AgentKind
}

// Initiate creates an empty collaboration
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*models.Collaboration, error) {
	if p.Goal == "" {
		return nil, errors.New(errors.KindValidation, "goal is required").WithField("goal", "required")
	}
	if len(p.Participants) == 0 {
		return nil, errors.New(errors.KindValidation, "at least one participant agent is required").
			WithField("participants", "required")
	}
	seen := make(map[models.AgentKind]bool, len(p.Participants))
	for _, kind := range p.Participants {
		if !kind.IsValid() {
			return nil, errors.Newf(errors.KindValidation, "unknown agent kind %q", kind).
				WithField("participants", "invalid")
		}
		if seen[kind] {
			return nil, errors.Newf(errors.KindValidation, "participant %s listed twice", kind).
				WithField("participants", "duplicate")
		}
		seen[kind] = true
	}

	now := s.clk.Now()
	collab := &models.Collaboration{
		ID:           s.ids.NewID(),
		TenantID:     p.TenantID,
		Orchestrator: p.Orchestrator,
		Participants: p.Participants,
		Goal:         p.Goal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Put(ctx, store.ColCollabs, collab.ID.String(), collab); err != nil {
		return nil, err
	}
	if err := s.auditor.Record(ctx, p.TenantID, p.Orchestrator, "collab.initiate",
		"collaboration/"+collab.ID.String(), models.AuditSuccess,
		models.JSONMap{"goal": p.Goal}); err != nil {
		if derr := s.store.Delete(ctx, store.ColCollabs, collab.ID.String()); derr != nil {
			s.logger.Error("compensating delete failed", map[string]interface{}{
				"collab_id": collab.ID.String(), "error": derr.Error(),
			})
		}
		return nil, err
	}
	return collab, nil
}

// StepParams describes one task appended to a collaboration
type StepParams struct {
	AgentKind models.AgentKind
	Kind      string
	Payload   models.JSONMap
	Priority  int
	Deadline  *time.Time
}

// AddStep submits the step's task through the dispatcher and appends it
// to the task flow. The step agent must be a declared participant.
func (s *Service) AddStep(ctx context.Context, tenantID, collabID, actorID uuid.UUID, p StepParams) (*models.Task, error) {
	return s.addStep(ctx, tenantID, collabID, actorID, "", p)
}

// Delegate lets one agent hand a step to another within a collaboration,
// attributing the submission to the delegating agent. The delegating
// principal's role must carry the submit permission.
func (s *Service) Delegate(ctx context.Context, tenantID, collabID, actorID uuid.UUID, role models.Role, from models.AgentKind, p StepParams) (*models.Task, error) {
	if !from.IsValid() {
		return nil, errors.Newf(errors.KindValidation, "unknown delegating agent %q", from)
	}
	if !auth.RoleHasPermission(role, auth.PermAgentSubmit) {
		err := errors.New(errors.KindForbidden, "role may not delegate tasks").
			WithField("missing", string(auth.PermAgentSubmit))
		s.auditor.RecordDenied(ctx, tenantID, actorID, "collab.delegate", "collaboration/"+collabID.String(),
			models.JSONMap{"missing": string(auth.PermAgentSubmit)})
		return nil, err
	}
	if from == p.AgentKind {
		return nil, errors.New(errors.KindValidation, "an agent cannot delegate to itself").
			WithField("agent_kind", "self delegation")
	}
	return s.addStep(ctx, tenantID, collabID, actorID, "agent:"+string(from), p)
}

func (s *Service) addStep(ctx context.Context, tenantID, collabID, actorID uuid.UUID, delegatedBy string, p StepParams) (*models.Task, error) {
	collab, err := s.get(ctx, tenantID, collabID)
	if err != nil {
		return nil, err
	}
	if collab.Archived {
		return nil, errors.Newf(errors.KindConflict, "collaboration %s is archived", collabID)
	}
	if len(collab.TaskFlow) >= maxSteps {
		return nil, errors.Newf(errors.KindValidation, "collaboration is at its %d step limit", maxSteps)
	}
	if !s.isParticipant(collab, p.AgentKind) {
		return nil, errors.Newf(errors.KindValidation, "agent %s is not a participant", p.AgentKind).
			WithField("agent_kind", "not a participant")
	}

	task, err := s.dispatcher.Submit(ctx, queue.SubmitParams{
		TenantID:    tenantID,
		SubmittedBy: actorID,
		DelegatedBy: delegatedBy,
		CollabID:    &collab.ID,
		AgentKind:   p.AgentKind,
		Kind:        p.Kind,
		Payload:     p.Payload,
		Priority:    p.Priority,
		Deadline:    p.Deadline,
	})
	if err != nil {
		return nil, err
	}

	// Optimistic append; a concurrent AddStep forces a re-read
	for attempt := 0; attempt < 8; attempt++ {
		collab.TaskFlow = append(collab.TaskFlow, models.CollabStep{
			Index:     len(collab.TaskFlow),
			AgentKind: p.AgentKind,
			TaskID:    task.ID,
			AddedAt:   s.clk.Now(),
		})
		collab.UpdatedAt = s.clk.Now()
		err = s.store.Update(ctx, store.ColCollabs, collab.ID.String(), collab.Version, collab)
		if err == nil {
			return task, nil
		}
		if !errors.IsConflict(err) {
			return nil, err
		}
		collab, err = s.get(ctx, tenantID, collabID)
		if err != nil {
			return nil, err
		}
	}
	return nil, errors.Newf(errors.KindConflict, "collaboration %s step contention", collabID)
}

// StatusReport is the derived view of a collaboration
type StatusReport struct {
	Collaboration *models.Collaboration `json:"collaboration"`
	Status        models.CollabStatus   `json:"status"`
	Steps         []StepStatus          `json:"steps"`
}

// StepStatus pairs a step with its task's current state
type StepStatus struct {
	Index     int              `json:"index"`
	AgentKind models.AgentKind `json:"agent_kind"`
	TaskID    uuid.UUID        `json:"task_id"`
	State     models.TaskState `json:"state"`
}

// Status derives the aggregate status from the child tasks. Archived
// collaborations answer from their snapshot.
func (s *Service) Status(ctx context.Context, tenantID, collabID uuid.UUID) (*StatusReport, error) {
	collab, err := s.get(ctx, tenantID, collabID)
	if err != nil {
		return nil, err
	}
	if collab.Archived {
		return &StatusReport{Collaboration: collab, Status: collab.ArchivedStatus}, nil
	}

	states := make([]models.TaskState, 0, len(collab.TaskFlow))
	steps := make([]StepStatus, 0, len(collab.TaskFlow))
	for _, step := range collab.TaskFlow {
		task, err := s.dispatcher.GetTask(ctx, tenantID, step.TaskID)
		if err != nil {
			return nil, err
		}
		states = append(states, task.State)
		steps = append(steps, StepStatus{
			Index: step.Index, AgentKind: step.AgentKind, TaskID: step.TaskID, State: task.State,
		})
	}
	return &StatusReport{
		Collaboration: collab,
		Status:        models.AggregateCollabStatus(states),
		Steps:         steps,
	}, nil
}

// List returns a tenant's collaborations, newest first
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.Collaboration, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var collabs []models.Collaboration
	err := s.store.Query(ctx, store.ColCollabs, store.Query{
		Filters: []store.Filter{store.Eq("tenant_id", tenantID.String())},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   limit,
	}, &collabs)
	if err != nil {
		return nil, err
	}
	return collabs, nil
}

// ArchiveOlderThan compacts settled collaborations created before the
// cutoff: the derived status is frozen as a snapshot and the task flow
// detail is dropped. In-progress collaborations are left alone.
func (s *Service) ArchiveOlderThan(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int, error) {
	var collabs []models.Collaboration
	err := s.store.Query(ctx, store.ColCollabs, store.Query{
		Filters: []store.Filter{
			store.Eq("tenant_id", tenantID.String()),
			store.Lte("created_at", cutoff),
		},
	}, &collabs)
	if err != nil {
		return 0, err
	}

	archived := 0
	for i := range collabs {
		collab := &collabs[i]
		if collab.Archived {
			continue
		}
		report, err := s.Status(ctx, tenantID, collab.ID)
		if err != nil {
			s.logger.Warn("archival status derivation failed", map[string]interface{}{
				"collab_id": collab.ID.String(), "error": err.Error(),
			})
			continue
		}
		switch report.Status {
		case models.CollabPending, models.CollabInProgress:
			continue
		}

		collab = report.Collaboration
		collab.Archived = true
		collab.ArchivedStatus = report.Status
		collab.TaskFlow = nil
		collab.UpdatedAt = s.clk.Now()
		if err := s.store.Update(ctx, store.ColCollabs, collab.ID.String(), collab.Version, collab); err != nil {
			s.logger.Warn("archival update failed", map[string]interface{}{
				"collab_id": collab.ID.String(), "error": err.Error(),
			})
			continue
		}
		archived++
	}
	return archived, nil
}

func (s *Service) get(ctx context.Context, tenantID, collabID uuid.UUID) (*models.Collaboration, error) {
	var collab models.Collaboration
	if err := s.store.Get(ctx, store.ColCollabs, collabID.String(), &collab); err != nil {
		return nil, err
	}
	if collab.TenantID != tenantID {
		return nil, store.ErrNotFound(store.ColCollabs, collabID.String())
	}
	return &collab, nil
}

func (s *Service) isParticipant(collab *models.Collaboration, kind models.AgentKind) bool {
	for _, p := range collab.Participants {
		if p == kind {
			return true
		}
	}
	return false
}
