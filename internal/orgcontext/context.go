package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

// ProductContextKey is the request context key for the active product ID.
type ProductContextKey struct{}

type superuserKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	return idFromContext(ctx, OrgContextKey{})
}

func WithProductID(ctx context.Context, productID int64) context.Context {
	return context.WithValue(ctx, ProductContextKey{}, productID)
}

func ProductIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	return idFromContext(ctx, ProductContextKey{})
}

// WithSuperuser marks the caller as an operator that bypasses tenant gating.
func WithSuperuser(ctx context.Context) context.Context {
	return context.WithValue(ctx, superuserKey{}, true)
}

func IsSuperuser(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(superuserKey{}).(bool)
	return v
}

func idFromContext(ctx context.Context, key any) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(key).(type) {
	case int64:
		return snowflake.ID(typed), typed != 0
	case snowflake.ID:
		return typed, typed != 0
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil && parsed != 0 {
			return parsed, true
		}
	}
	return 0, false
}
