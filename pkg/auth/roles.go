// Package auth implements access control: user management with hashed
// credentials, authenticated sessions, the closed role and permission
// catalogues, a login throttle, and the audit trail every privileged
// mutation writes before returning.
package auth

import (
	"github.com/pilothouse-ai/pilothouse/pkg/models"
)

// Permission tags form a closed catalogue. Permissions attach to roles
// only; users never carry them directly.
type Permission string

const (
	PermTenantRead     Permission = "tenant.read"
	PermTenantWrite    Permission = "tenant.write"
	PermUserManage     Permission = "user.manage"
	PermAgentSubmit    Permission = "agent.submit"
	PermAgentControl   Permission = "agent.control"
	PermTaskViewOwn    Permission = "task.view.own"
	PermTaskViewAny    Permission = "task.view.any"
	PermCollabInitiate Permission = "collab.initiate"
	PermInsightRead    Permission = "insight.read"
	PermCacheClear     Permission = "cache.clear"
	PermAuditRead      Permission = "audit.read"
)

// rolePermissions is the fixed role → permission mapping. It is part of
// the platform contract, not tenant data; user-defined roles are not
// supported.
var rolePermissions = map[models.Role][]Permission{
	models.RoleSuperAdmin: {
		PermTenantRead, PermTenantWrite, PermUserManage,
		PermAgentSubmit, PermAgentControl, PermTaskViewOwn, PermTaskViewAny,
		PermCollabInitiate, PermInsightRead, PermCacheClear, PermAuditRead,
	},
	models.RoleTenantAdmin: {
		PermTenantRead, PermUserManage,
		PermAgentSubmit, PermAgentControl, PermTaskViewOwn, PermTaskViewAny,
		PermCollabInitiate, PermInsightRead, PermCacheClear, PermAuditRead,
	},
	models.RoleAgentManager: {
		PermTenantRead,
		PermAgentSubmit, PermAgentControl, PermTaskViewOwn, PermTaskViewAny,
		PermCollabInitiate, PermInsightRead,
	},
	models.RoleAnalyst: {
		PermTenantRead, PermTaskViewAny, PermInsightRead, PermAuditRead,
	},
	models.RoleOperator: {
		PermTenantRead, PermAgentSubmit, PermTaskViewOwn, PermCollabInitiate,
	},
	models.RoleViewer: {
		PermTenantRead, PermTaskViewOwn,
	},
	models.RoleAPIUser: {
		PermAgentSubmit, PermTaskViewOwn, PermCollabInitiate,
	},
}

// RoleHasPermission reports whether a role carries a permission
func RoleHasPermission(role models.Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsOf returns the fixed permission set of a role
func PermissionsOf(role models.Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}
