package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
)

const (
	ctxPrincipal = "api.principal"
	ctxToken     = "api.token"
)

// requestLogger emits one structured line per request with latency and
// outcome, and feeds the request counters.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": statusClass(c.Writer.Status()),
		}
		s.metrics.IncrementCounterWithLabels("http_requests_total", 1, labels)
		s.metrics.RecordDuration("http_request_duration", elapsed, labels)

		s.logger.Info("request", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// authenticated resolves the bearer token into a principal. It makes no
// permission decision; routes layer require on top.
func (s *Server) authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		principal, err := s.auth.Identify(c.Request.Context(), token)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Set(ctxPrincipal, principal)
		c.Set(ctxToken, token)
		c.Next()
	}
}

// require enforces a permission on the authenticated principal. Denials
// are audited with outcome=denied before the response leaves.
func (s *Server) require(perm auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principalOf(c)
		if !auth.RoleHasPermission(p.Role, perm) {
			s.auth.Auditor().RecordDenied(c.Request.Context(), p.TenantID, p.UserID,
				c.Request.Method+" "+c.FullPath(), string(perm),
				models.JSONMap{"missing": string(perm)})
			s.fail(c, errors.Newf(errors.KindForbidden, "role %s lacks %s", p.Role, perm).
				WithField("missing", string(perm)))
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", errors.New(errors.KindUnauthorized, "missing bearer token")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.New(errors.KindUnauthorized, "malformed authorization header")
	}
	return token, nil
}

func principalOf(c *gin.Context) *auth.Principal {
	return c.MustGet(ctxPrincipal).(*auth.Principal)
}

func tokenOf(c *gin.Context) string {
	return c.MustGet(ctxToken).(string)
}

// requestTenant resolves the tenant a request operates on. Authenticated
// callers act in their session tenant; only super admins may point
// X-Tenant elsewhere. Unauthenticated callers must send X-Tenant unless
// the deployment is single-tenant, where the configured default applies.
func (s *Server) requestTenant(c *gin.Context) (uuid.UUID, error) {
	header := c.GetHeader("X-Tenant")

	var principal *auth.Principal
	if v, ok := c.Get(ctxPrincipal); ok {
		principal = v.(*auth.Principal)
	}

	if header != "" {
		id, err := uuid.Parse(header)
		if err != nil {
			return uuid.Nil, errors.New(errors.KindValidation, "X-Tenant must be a UUID").
				WithField("x-tenant", "invalid")
		}
		if principal != nil && principal.TenantID != id && principal.Role != models.RoleSuperAdmin {
			return uuid.Nil, errors.New(errors.KindForbidden, "cannot act outside the session tenant").
				WithField("x-tenant", "foreign")
		}
		return id, nil
	}

	if principal != nil {
		return principal.TenantID, nil
	}
	if s.singleTenant && s.defaultTenant != uuid.Nil {
		return s.defaultTenant, nil
	}
	return uuid.Nil, errors.New(errors.KindValidation, "X-Tenant header is required").
		WithField("x-tenant", "missing")
}
