package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/tenant"
)

type tenantRequest struct {
	DisplayName   string          `json:"display_name"`
	PrimaryDomain string          `json:"primary_domain"`
	Tier          string          `json:"subscription_tier"`
	Branding      models.JSONMap  `json:"branding"`
	FeatureFlags  map[string]bool `json:"feature_flags"`
}

func (r tenantRequest) params() tenant.CreateParams {
	return tenant.CreateParams{
		DisplayName:   r.DisplayName,
		PrimaryDomain: r.PrimaryDomain,
		Tier:          models.SubscriptionTier(r.Tier),
		Branding:      r.Branding,
		FeatureFlags:  r.FeatureFlags,
	}
}

func (s *Server) handleCreateTenant(c *gin.Context) {
	var req tenantRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	p := principalOf(c)
	ten, err := s.tenants.Create(c.Request.Context(), p.UserID, req.params())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusCreated, "tenant created", ten)
}

// handleListTenants answers every tenant for super admins and the
// caller's own tenant for everyone else.
func (s *Server) handleListTenants(c *gin.Context) {
	p := principalOf(c)
	ctx := c.Request.Context()

	if p.Role != models.RoleSuperAdmin {
		ten, err := s.tenants.Get(ctx, p.TenantID)
		if err != nil {
			s.fail(c, err)
			return
		}
		s.ok(c, http.StatusOK, "tenants", []models.Tenant{*ten})
		return
	}

	status := models.TenantStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		s.fail(c, errors.Newf(errors.KindValidation, "unknown tenant status %q", status))
		return
	}
	tenants, err := s.tenants.List(ctx, status)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "tenants", tenants)
}

func (s *Server) handleGetTenant(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "tenant id must be a UUID"))
		return
	}
	p := principalOf(c)
	// Foreign tenants are indistinguishable from absent ones
	if p.Role != models.RoleSuperAdmin && id != p.TenantID {
		s.fail(c, errors.Newf(errors.KindNotFound, "tenant %s not found", id))
		return
	}
	ten, err := s.tenants.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "tenant", ten)
}

type updateTenantRequest struct {
	DisplayName  *string         `json:"display_name"`
	Tier         *string         `json:"subscription_tier"`
	Status       *string         `json:"status"`
	Branding     models.JSONMap  `json:"branding"`
	FeatureFlags map[string]bool `json:"feature_flags"`
}

func (s *Server) handleUpdateTenant(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "tenant id must be a UUID"))
		return
	}
	var req updateTenantRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}

	p := principalOf(c)
	params := tenant.UpdateParams{
		DisplayName:  req.DisplayName,
		Branding:     req.Branding,
		FeatureFlags: req.FeatureFlags,
	}
	if req.Tier != nil {
		tier := models.SubscriptionTier(*req.Tier)
		params.Tier = &tier
	}
	if req.Status != nil {
		status := models.TenantStatus(*req.Status)
		params.Status = &status
	}

	ten, err := s.tenants.Update(c.Request.Context(), p.UserID, id, params)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "tenant updated", ten)
}

type resellerRequest struct {
	Name   string        `json:"name"`
	Tenant tenantRequest `json:"tenant"`
}

func (s *Server) handleCreateReseller(c *gin.Context) {
	var req resellerRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	p := principalOf(c)
	result, err := s.tenants.CreateReseller(c.Request.Context(), p.UserID, req.Name, req.Tenant.params())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusCreated, "reseller package created", gin.H{
		"package": result.Package,
		"tenant":  result.Tenant,
		// Shown exactly once; only a hint is persisted
		"api_key": result.APIKey,
	})
}

// handleBranding serves white-label branding without authentication so
// login screens can style themselves.
func (s *Server) handleBranding(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "tenant id must be a UUID"))
		return
	}
	ten, err := s.tenants.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "branding", gin.H{
		"display_name": ten.DisplayName,
		"branding":     ten.Branding,
	})
}
