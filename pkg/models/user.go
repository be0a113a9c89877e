package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a principal within a tenant. Email is unique per tenant.
// Password rotations bump PasswordVersion, which invalidates every
// session minted against the previous value.
type User struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	TenantID        uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Email           string     `json:"email" db:"email"`
	PasswordHash    string     `json:"-" db:"password_hash"`
	PasswordVersion int        `json:"-" db:"password_version"`
	Role            Role       `json:"role" db:"role"`
	Status          UserStatus `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	Version         int64      `json:"version" db:"version"`
}

// UserStatus represents the lifecycle state of a user
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

// Role names the fixed role a user holds. The permission mapping is a
// closed catalogue owned by the auth service; user-defined roles are
// not supported.
type Role string

const (
	RoleSuperAdmin   Role = "super_admin"
	RoleTenantAdmin  Role = "tenant_admin"
	RoleAgentManager Role = "agent_manager"
	RoleAnalyst      Role = "analyst"
	RoleOperator     Role = "operator"
	RoleViewer       Role = "viewer"
	RoleAPIUser      Role = "api_user"
)

// IsValid returns true for a known role
func (r Role) IsValid() bool {
	switch r {
	case RoleSuperAdmin, RoleTenantAdmin, RoleAgentManager, RoleAnalyst,
		RoleOperator, RoleViewer, RoleAPIUser:
		return true
	default:
		return false
	}
}

// Session is a revocable, TTL-bounded login. The wire token is opaque to
// clients; the record here is the revocation source of truth.
type Session struct {
	ID              uuid.UUID `json:"id" db:"id"`
	UserID          uuid.UUID `json:"user_id" db:"user_id"`
	TenantID        uuid.UUID `json:"tenant_id" db:"tenant_id"`
	PasswordVersion int       `json:"password_version" db:"password_version"`
	IssuedAt        time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at" db:"expires_at"`
	Revoked         bool      `json:"revoked" db:"revoked"`
	Version         int64     `json:"version" db:"version"`
}

// Live reports whether the session is usable at the given instant
func (s *Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// AuditOutcome classifies what happened to an audited action
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditDenied  AuditOutcome = "denied"
	AuditError   AuditOutcome = "error"
)

// AuditEvent is the append-only record of a privileged action. Events
// are written before the action's result is returned and never mutated.
type AuditEvent struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	TenantID  uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	ActorID   uuid.UUID    `json:"actor_id" db:"actor_id"`
	Action    string       `json:"action" db:"action"`
	Subject   string       `json:"subject" db:"subject"`
	Outcome   AuditOutcome `json:"outcome" db:"outcome"`
	Detail    JSONMap      `json:"detail,omitempty" db:"detail"`
	Timestamp time.Time    `json:"timestamp" db:"timestamp"`
}
