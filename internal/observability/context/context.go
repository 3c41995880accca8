// Package obscontext carries correlation fields for logs and spans.
package obscontext

import (
	"context"
	"strings"
)

type fieldKey string

const (
	requestIDKey fieldKey = "request_id"
	orgIDKey     fieldKey = "org_id"
	productIDKey fieldKey = "product_id"
	backupIDKey  fieldKey = "backup_id"
)

type actorKey struct{}

type actor struct {
	actorType string
	actorID   string
}

// Field is one correlation value present on a context.
type Field struct {
	Key   string
	Value string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithOrgID(ctx context.Context, orgID string) context.Context {
	return withString(ctx, orgIDKey, orgID)
}

func OrgIDFromContext(ctx context.Context) string {
	return stringValue(ctx, orgIDKey)
}

func WithProductID(ctx context.Context, productID string) context.Context {
	return withString(ctx, productIDKey, productID)
}

func ProductIDFromContext(ctx context.Context) string {
	return stringValue(ctx, productIDKey)
}

// WithBackupID tags work done on behalf of one backup record.
func WithBackupID(ctx context.Context, backupID string) context.Context {
	return withString(ctx, backupIDKey, backupID)
}

func BackupIDFromContext(ctx context.Context) string {
	return stringValue(ctx, backupIDKey)
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.actorType, value.actorID
}

// Fields lists every non-empty correlation value in a stable order.
func Fields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	var out []Field
	for _, key := range []fieldKey{requestIDKey, orgIDKey, productIDKey, backupIDKey} {
		if value := stringValue(ctx, key); value != "" {
			out = append(out, Field{Key: string(key), Value: value})
		}
	}
	if actorType, actorID := ActorFromContext(ctx); actorID != "" {
		out = append(out, Field{Key: "actor_type", Value: actorType}, Field{Key: "actor_id", Value: actorID})
	}
	return out
}

func withString(ctx context.Context, key fieldKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key fieldKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
