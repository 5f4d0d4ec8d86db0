// Package auth carries the authenticated identity of a request.
package auth

import (
	"context"

	"github.com/dukerupert/hapo/internal/model"
)

type contextKey struct{}

type AuthContext struct {
	AccountID string
	Role      model.Role
	ParentID  string
	SessionID string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func AccountID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.AccountID
}

func SessionID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.SessionID
}

func IsParent(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Role == model.RoleParent
}

// FamilyID is the parent account that owns the caller's family: the
// caller itself for parents, the parent for children.
func FamilyID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	if ac.Role == model.RoleChild {
		return ac.ParentID
	}
	return ac.AccountID
}
