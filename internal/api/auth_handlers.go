package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	tenantID, err := s.requestTenant(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	session, token, err := s.auth.Authenticate(c.Request.Context(), tenantID, req.Email, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "authenticated", gin.H{
		"token":      token,
		"user_id":    session.UserID,
		"tenant_id":  session.TenantID,
		"expires_at": session.ExpiresAt,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.auth.Revoke(c.Request.Context(), tokenOf(c)); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "session revoked", nil)
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
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

	user, err := s.auth.CreateUser(c.Request.Context(), p.UserID, tenantID, req.Email, req.Password, models.Role(req.Role))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusCreated, "user created", user)
}

type changePasswordRequest struct {
	Password string `json:"password"`
}

// handleChangePassword rotates a password. Users rotate their own; any
// other subject requires user.manage.
func (s *Server) handleChangePassword(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.New(errors.KindValidation, "user id must be a UUID"))
		return
	}
	p := principalOf(c)
	if userID != p.UserID && !auth.RoleHasPermission(p.Role, auth.PermUserManage) {
		s.auth.Auditor().RecordDenied(c.Request.Context(), p.TenantID, p.UserID,
			"POST /users/:id/password", string(auth.PermUserManage),
			models.JSONMap{"missing": string(auth.PermUserManage)})
		s.fail(c, errors.Newf(errors.KindForbidden, "role %s lacks %s", p.Role, auth.PermUserManage).
			WithField("missing", string(auth.PermUserManage)))
		return
	}

	var req changePasswordRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.auth.ChangePassword(c.Request.Context(), p.UserID, p.TenantID, userID, req.Password); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, "password changed", nil)
}
