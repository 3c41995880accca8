package authorization

import (
	"context"
	_ "embed"
	"net/http"
	"slices"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

// Lifecycle actions. The first four may appear in a retention policy's
// grace_allowed_actions; the last two only back the archived allow-list.
const (
	ActionView          = "view"
	ActionExport        = "export"
	ActionBilling       = "billing"
	ActionAuth          = "auth"
	ActionSettingsRead  = "settings_read"
	ActionLifecycleRead = "lifecycle_read"
)

const (
	methodsSafe = "^(GET|HEAD|OPTIONS)$"
	methodsRead = "^(GET|HEAD)$"
	methodsAny  = "^[A-Z]+$"
	methodPost  = "^POST$"
)

// builtinCatalog rows are (action, route pattern, method regex). Route
// patterns use gin's :param syntax and match through keyMatch2.
var builtinCatalog = [][]string{
	{ActionView, "/*", methodsSafe},

	{ActionExport, "/api/backups", methodPost},
	{ActionExport, "/api/backups/:id/download-token", methodPost},
	{ActionExport, "/api/backups/:id/download", methodsRead},

	{ActionBilling, "/api/billing", methodsAny},
	{ActionBilling, "/api/billing/*", methodsAny},
	{ActionAuth, "/auth/*", methodsAny},

	{ActionSettingsRead, "/api/settings", methodsRead},
	{ActionSettingsRead, "/api/settings/*", methodsRead},
	{ActionLifecycleRead, "/api/lifecycle", methodsRead},
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer persists the catalog in casbin_rule so operators can add rows
// of their own. Built-in rows are inserted when missing.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	return newEnforcer(adapter)
}

// NewMemoryEnforcer holds only the built-in catalog.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	return newEnforcer(nil)
}

func newEnforcer(adapter persist.Adapter) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	args := []any{m}
	if adapter != nil {
		args = append(args, adapter)
	}
	enforcer, err := casbin.NewSyncedEnforcer(args...)
	if err != nil {
		return nil, err
	}

	var missing [][]string
	for _, rule := range builtinCatalog {
		has, err := enforcer.HasPolicy(rule)
		if err != nil {
			return nil, err
		}
		if !has {
			missing = append(missing, rule)
		}
	}
	if len(missing) > 0 {
		if _, err := enforcer.AddPolicies(missing); err != nil {
			return nil, err
		}
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actions []string, path string, method string) error {
	path, method, err := normalizeRequest(path, method)
	if err != nil {
		return err
	}

	for _, action := range actions {
		if action = strings.TrimSpace(action); action == "" {
			continue
		}
		ok, err := s.enforcer.Enforce(action, path, method)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	s.log.Debug("no lifecycle action covers request",
		zap.Strings("actions", actions),
		zap.String("path", path),
		zap.String("method", method),
	)
	return ErrForbidden
}

func (s *ServiceImpl) Actions(ctx context.Context, path string, method string) ([]string, error) {
	path, method, err := normalizeRequest(path, method)
	if err != nil {
		return nil, err
	}
	subjects, err := s.enforcer.GetAllSubjects()
	if err != nil {
		return nil, err
	}

	var covering []string
	for _, subject := range subjects {
		ok, err := s.enforcer.Enforce(subject, path, method)
		if err != nil {
			return nil, err
		}
		if ok {
			covering = append(covering, subject)
		}
	}
	slices.Sort(covering)
	return slices.Compact(covering), nil
}

func normalizeRequest(path, method string) (string, string, error) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		return "", "", ErrInvalidObject
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return "", "", ErrInvalidAction
	}
	return path, method, nil
}

// IsSafeMethod reports whether method never mutates state.
func IsSafeMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
