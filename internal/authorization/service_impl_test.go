package authorization

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeCatalog(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		actions []string
		path    string
		method  string
		allowed bool
	}{
		{"view covers reads", []string{ActionView}, "/api/customers", http.MethodGet, true},
		{"view rejects writes", []string{ActionView}, "/api/customers", http.MethodPost, false},
		{"export request", []string{ActionExport}, "/api/backups", http.MethodPost, true},
		{"export download", []string{ActionExport}, "/api/backups/123/download", http.MethodGet, true},
		{"export token", []string{ActionExport}, "/api/backups/123/download-token", http.MethodPost, true},
		{"export excludes restore", []string{ActionExport}, "/api/backups/123/restore", http.MethodPost, false},
		{"billing any method", []string{ActionBilling}, "/api/billing/renew", http.MethodPost, true},
		{"auth login", []string{ActionAuth}, "/auth/login", http.MethodPost, true},
		{"settings read only", []string{ActionSettingsRead}, "/api/settings/profile", http.MethodPut, false},
		{"settings read", []string{ActionSettingsRead}, "/api/settings/profile", http.MethodGet, true},
		{"lifecycle read", []string{ActionLifecycleRead}, "/api/lifecycle", http.MethodGet, true},
		{"first match wins", []string{ActionView, ActionBilling}, "/api/billing", http.MethodPost, true},
		{"no actions", nil, "/api/billing", http.MethodGet, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actions, tc.path, tc.method)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrForbidden), "got %v", err)
		})
	}
}

func TestAuthorizeRejectsMalformedRequest(t *testing.T) {
	svc := newTestService(t)

	assert.ErrorIs(t, svc.Authorize(context.Background(), []string{ActionView}, "", http.MethodGet), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(context.Background(), []string{ActionView}, "/x", " "), ErrInvalidAction)
}

func TestActionsListsCoveringEntries(t *testing.T) {
	svc := newTestService(t)

	actions, err := svc.Actions(context.Background(), "/api/backups/9/download", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionExport, ActionView}, actions)
}

func TestIsSafeMethod(t *testing.T) {
	assert.True(t, IsSafeMethod("get"))
	assert.True(t, IsSafeMethod(http.MethodOptions))
	assert.False(t, IsSafeMethod(http.MethodDelete))
}
