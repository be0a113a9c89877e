package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/collab"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
)

type initiateCollabRequest struct {
	Goal         string   `json:"goal"`
	Participants []string `json:"participants"`
}

func (s *Server) handleInitiateCollab(c *gin.Context) {
	var req initiateCollabRequest
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

	participants := make([]models.AgentKind, 0, len(req.Participants))
	for _, raw := range req.Participants {
		participants = append(participants, models.AgentKind(raw))
	}
	collaboration, err := s.collabs.Initiate(c.Request.Context(), collab.InitiateParams{
		TenantID:     tenantID,
		Orchestrator: p.UserID,
		Goal:         req.Goal,
		Participants: participants,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusCreated, "collaboration initiated", collaboration)
}

type stepRequest struct {
	AgentKind string         `json:"agent_kind"`
	Kind      string         `json:"kind"`
	Payload   models.JSONMap `json:"payload"`
	Priority  int            `json:"priority"`
	Deadline  *time.Time     `json:"deadline"`
}

func (r stepRequest) params() collab.StepParams {
	return collab.StepParams{
		AgentKind: models.AgentKind(r.AgentKind),
		Kind:      r.Kind,
		Payload:   r.Payload,
		Priority:  r.Priority,
		Deadline:  r.Deadline,
	}
}

func (s *Server) handleAddStep(c *gin.Context) {
	collabID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "collaboration id must be a UUID"))
		return
	}
	var req stepRequest
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

	task, err := s.collabs.AddStep(c.Request.Context(), tenantID, collabID, p.UserID, req.params())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusAccepted, "step queued", task)
}

func (s *Server) handleCollabStatus(c *gin.Context) {
	collabID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "collaboration id must be a UUID"))
		return
	}
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	report, err := s.collabs.Status(c.Request.Context(), tenantID, collabID)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "collaboration status", report)
}

func (s *Server) handleListCollabs(c *gin.Context) {
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	collabs, err := s.collabs.List(c.Request.Context(), tenantID, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "collaborations", collabs)
}

type delegateRequest struct {
	CollaborationID string `json:"collaboration_id"`
	From            string `json:"from"`
	stepRequest
}

// handleDelegate lets one agent hand work to another inside a
// collaboration. The permission decision lives in the coordinator so it
// can audit the denial with the delegation context.
func (s *Server) handleDelegate(c *gin.Context) {
	var req delegateRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	collabID, err := uuid.Parse(req.CollaborationID)
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "collaboration_id must be a UUID").
			WithField("collaboration_id", "invalid"))
		return
	}
	p := principalOf(c)
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	task, err := s.collabs.Delegate(c.Request.Context(), tenantID, collabID, p.UserID, p.Role,
		models.AgentKind(req.From), req.params())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusAccepted, "delegated step queued", task)
}
