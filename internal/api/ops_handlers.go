package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pilothouse-ai/pilothouse/pkg/cache"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	s.ok(c, http.StatusOK, "ok", gin.H{
		"version":        Version,
		"uptime_seconds": int64(s.clk.Now().Sub(s.startedAt).Seconds()),
	})
}

// windowParam parses the ?window= duration, defaulting to one hour and
// refusing anything past thirty days.
func windowParam(c *gin.Context) (time.Duration, error) {
	raw := c.Query("window")
	if raw == "" {
		return time.Hour, nil
	}
	window, err := time.ParseDuration(raw)
	if err != nil || window <= 0 {
		return 0, errors.Newf(errors.KindValidation, "window must be a positive duration, got %q", raw).
			WithField("window", "invalid")
	}
	if window > 30*24*time.Hour {
		return 0, errors.New(errors.KindValidation, "window may not exceed 720h").
			WithField("window", "too_large")
	}
	return window, nil
}

func (s *Server) handleInsightSummary(c *gin.Context) {
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	window, err := windowParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	summaries, err := s.insights.Summarize(c.Request.Context(), tenantID, window)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "performance summary", gin.H{
		"window": window.String(),
		"agents": summaries,
	})
}

// handleInsightAnalyze runs detection and recommendation on demand
// instead of waiting for the background sweep.
func (s *Server) handleInsightAnalyze(c *gin.Context) {
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	window, err := windowParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	anomalies, err := s.insights.Detect(ctx, tenantID, window)
	if err != nil {
		s.fail(c, err)
		return
	}
	recommendations, err := s.insights.Recommend(ctx, tenantID, window)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "analysis complete", gin.H{
		"window":          window.String(),
		"anomalies":       anomalies,
		"recommendations": recommendations,
	})
}

func (s *Server) handleListInsights(c *gin.Context) {
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	kind := models.InsightKind(c.Query("kind"))
	switch kind {
	case "", models.InsightSummary, models.InsightAnomaly, models.InsightRecommendation:
	default:
		s.fail(c, errors.Newf(errors.KindValidation, "unknown insight kind %q", kind).WithField("kind", "invalid"))
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	insights, err := s.insights.Insights(c.Request.Context(), tenantID, kind, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "insights", insights)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	s.ok(c, http.StatusOK, "cache statistics", s.cache.Stats())
}

type cacheClearRequest struct {
	Prefix string `json:"prefix"`
}

// handleCacheClear invalidates inside the caller's tenant only: the
// request prefix is always nested under the tenant id segment.
func (s *Server) handleCacheClear(c *gin.Context) {
	var req cacheClearRequest
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

	prefix := tenantID.String() + ":"
	if req.Prefix != "" {
		prefix = cache.Key(tenantID.String(), req.Prefix)
	}
	dropped, err := s.cache.InvalidatePrefix(c.Request.Context(), prefix)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.auth.Auditor().Record(c.Request.Context(), tenantID, p.UserID,
		"cache.clear", "cache/"+prefix, models.AuditSuccess,
		models.JSONMap{"dropped": dropped}); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "cache cleared", gin.H{"dropped": dropped})
}

func (s *Server) handleAuditEvents(c *gin.Context) {
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := s.auth.Auditor().Events(c.Request.Context(), tenantID, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "audit events", events)
}

func (s *Server) handleListProviders(c *gin.Context) {
	s.ok(c, http.StatusOK, "model providers", s.providers.Entries())
}

type availabilityRequest struct {
	Available bool `json:"available"`
}

func (s *Server) handleProviderAvailability(c *gin.Context) {
	name := c.Param("name")
	var req availabilityRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.providers.SetAvailability(name, req.Available); err != nil {
		s.fail(c, err)
		return
	}
	p := principalOf(c)
	if err := s.auth.Auditor().Record(c.Request.Context(), p.TenantID, p.UserID,
		"provider.availability", "provider/"+name, models.AuditSuccess,
		models.JSONMap{"available": req.Available}); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "availability updated", gin.H{"name": name, "available": req.Available})
}
