package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/queue"
)

type submitTaskRequest struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Payload  models.JSONMap `json:"payload"`
	Priority int            `json:"priority"`
	Deadline *time.Time     `json:"deadline"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	kind, err := models.ParseAgentKind(c.Param("kind"))
	if err != nil {
		s.fail(c, errors.Wrap(err, errors.KindValidation, "unknown agent kind"))
		return
	}
	var req submitTaskRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	p := principalOf(c)
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	params := queue.SubmitParams{
		TenantID:    tenantID,
		SubmittedBy: p.UserID,
		AgentKind:   kind,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Deadline:    req.Deadline,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			s.fail(c, errors.New(errors.KindValidation, "task id must be a UUID").WithField("id", "invalid"))
			return
		}
		params.ID = id
	}

	task, err := s.dispatcher.Submit(c.Request.Context(), params)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusAccepted, "task queued", task)
}

// loadVisibleTask fetches a task in tenant scope and enforces the
// own-versus-any view split.
func (s *Server) loadVisibleTask(c *gin.Context) (*models.Task, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "task id must be a UUID"))
		return nil, false
	}
	p := principalOf(c)
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}

	task, err := s.dispatcher.GetTask(c.Request.Context(), tenantID, id)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if task.SubmittedBy != p.UserID && !auth.RoleHasPermission(p.Role, auth.PermTaskViewAny) {
		s.auth.Auditor().RecordDenied(c.Request.Context(), p.TenantID, p.UserID,
			c.Request.Method+" "+c.FullPath(), string(auth.PermTaskViewAny),
			models.JSONMap{"missing": string(auth.PermTaskViewAny), "task_id": task.ID.String()})
		s.fail(c, errors.Newf(errors.KindForbidden, "role %s lacks %s", p.Role, auth.PermTaskViewAny).
			WithField("missing", string(auth.PermTaskViewAny)))
		return nil, false
	}
	return task, true
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, ok := s.loadVisibleTask(c)
	if !ok {
		return
	}
	s.ok(c, http.StatusOK, "task", task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	task, ok := s.loadVisibleTask(c)
	if !ok {
		return
	}
	p := principalOf(c)
	cancelled, err := s.dispatcher.Cancel(c.Request.Context(), task.TenantID, task.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.auth.Auditor().Record(c.Request.Context(), task.TenantID, p.UserID,
		"task.cancel", "task/"+task.ID.String(), models.AuditSuccess, nil); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "task cancelled", cancelled)
}

func (s *Server) handleTaskHistory(c *gin.Context) {
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var kind models.AgentKind
	if raw := c.Query("kind"); raw != "" {
		kind = models.AgentKind(raw)
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	tasks, err := s.dispatcher.History(c.Request.Context(), tenantID, kind, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "task history", tasks)
}

// handleAgentStatus reports every agent descriptor with its queue depth,
// plus orchestrator-level totals.
func (s *Server) handleAgentStatus(c *gin.Context) {
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	descriptors, err := s.agents.Descriptors(c.Request.Context(), tenantID)
	if err != nil {
		s.fail(c, err)
		return
	}
	depths := s.dispatcher.Depths(tenantID)

	type agentStatus struct {
		models.AgentDescriptor
		QueueDepth int `json:"queue_depth"`
	}
	statuses := make([]agentStatus, 0, len(descriptors))
	var completed, failed int64
	var queued int
	for _, d := range descriptors {
		depth := depths[d.Kind]
		statuses = append(statuses, agentStatus{AgentDescriptor: d, QueueDepth: depth})
		completed += d.Metrics.Completed
		failed += d.Metrics.Failed
		queued += depth
	}
	successRate := 0.0
	if completed+failed > 0 {
		successRate = float64(completed) / float64(completed+failed)
	}

	s.ok(c, http.StatusOK, "agent status", gin.H{
		"agents": statuses,
		"totals": gin.H{
			"completed":    completed,
			"failed":       failed,
			"success_rate": successRate,
			"queued":       queued,
		},
		"uptime_seconds": int64(s.clk.Now().Sub(s.startedAt).Seconds()),
	})
}

type controlRequest struct {
	Op string `json:"op"`
}

func (s *Server) handleAgentControl(c *gin.Context) {
	kind, err := models.ParseAgentKind(c.Param("kind"))
	if err != nil {
		s.fail(c, errors.Wrap(err, errors.KindValidation, "unknown agent kind"))
		return
	}
	var req controlRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	op := models.ControlOp(req.Op)
	if !op.IsValid() {
		s.fail(c, errors.Newf(errors.KindValidation, "unknown control op %q", req.Op).WithField("op", "invalid"))
		return
	}
	p := principalOf(c)
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	descriptor, err := s.agents.Control(c.Request.Context(), tenantID, kind, op)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.auth.Auditor().Record(c.Request.Context(), tenantID, p.UserID,
		"agent.control", "agent/"+string(kind), models.AuditSuccess,
		models.JSONMap{"op": string(op)}); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "control applied", descriptor)
}
