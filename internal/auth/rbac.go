package auth

import (
	"context"
	"net/http"
	"strings"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type Permission string

const (
	PermissionChat           Permission = "chat:stream"
	PermissionPremiumModels  Permission = "models:premium"
	PermissionGraphWrite     Permission = "graph:write"
	PermissionGraphManageAny Permission = "graph:manage_any"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionChat,
		PermissionPremiumModels,
		PermissionGraphWrite,
		PermissionGraphManageAny,
	},
	RoleMember: {
		PermissionChat,
		PermissionGraphWrite,
	},
}

func HasPermission(role Role, permission Permission) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Role   Role
}

func (p Principal) Can(permission Permission) bool {
	return HasPermission(p.Role, permission)
}

// Anonymous is used when authentication is disabled.
var Anonymous = Principal{UserID: "anonymous", Role: RoleMember}

type contextKey string

const principalContextKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
