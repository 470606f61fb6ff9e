package auth

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type ctxKey string

const (
	callerKey ctxKey = "auth_caller"
	rolesKey  ctxKey = "auth_roles"
)

// ContextWithCaller stores the authenticated address and its roles in the context.
func ContextWithCaller(ctx context.Context, caller common.Address, roles []string) context.Context {
	ctx = context.WithValue(ctx, callerKey, caller)
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, normalizeRoles(roles))
	}
	return ctx
}

// CallerFromContext extracts the authenticated address from context.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	v, ok := ctx.Value(callerKey).(common.Address)
	if !ok || v == (common.Address{}) {
		return common.Address{}, false
	}
	return v, true
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
