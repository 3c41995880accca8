package service

import (
	"context"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/registry"
	"github.com/smallbiznis/tenantvault/internal/backup/scope"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/observability/metrics"
	"github.com/smallbiznis/tenantvault/internal/orgcontext"
	"github.com/smallbiznis/tenantvault/internal/ratelimit"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	"github.com/smallbiznis/tenantvault/internal/storage"
	"github.com/smallbiznis/tenantvault/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	GenID    *snowflake.Node
	Repo     domain.Repository
	Registry *registry.Registry
	Scope    *scope.Resolver
	Storage  storage.Storage
	Policies retentionpolicy.Resolver
	Audit    auditdomain.Service
	Limiter  *ratelimit.BackupLimiter `optional:"true"`
	Clock    clock.Clock              `optional:"true"`
	Metrics  *metrics.Metrics         `optional:"true"`
}

// Service runs backup and restore pipelines and the retention batch jobs.
// It implements both domain.Service and domain.Maintenance.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.BackupConfig
	genID    *snowflake.Node
	repo     domain.Repository
	registry *registry.Registry
	scope    *scope.Resolver
	storage  storage.Storage
	policies retentionpolicy.Resolver
	audit    auditdomain.Service
	limiter  *ratelimit.BackupLimiter
	clock    clock.Clock
	metrics  *metrics.Metrics

	locks *idLocks

	dispatchMu sync.RWMutex
	dispatcher domain.Dispatcher

	// inFlight maps a backup id to the Redis in-flight lease taken at request time.
	inFlight sync.Map
}

func NewService(p Params) *Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("backup.service"),
		cfg:      p.Cfg.Backup,
		genID:    p.GenID,
		repo:     p.Repo,
		registry: p.Registry,
		scope:    p.Scope,
		storage:  p.Storage,
		policies: p.Policies,
		audit:    p.Audit,
		limiter:  p.Limiter,
		clock:    c,
		metrics:  p.Metrics,
		locks:    newIDLocks(),
	}
}

// SetDispatcher attaches the worker pool. Without one, backups stay queued
// until RunBackup is called directly or dispatch_queued picks them up.
func (s *Service) SetDispatcher(d domain.Dispatcher) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.dispatcher = d
}

func (s *Service) currentDispatcher() domain.Dispatcher {
	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()
	return s.dispatcher
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.BackupRecord, error) {
	return s.load(ctx, id)
}

func (s *Service) List(ctx context.Context, req domain.ListBackupsRequest) (domain.ListBackupsResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ListBackupsResponse{}, domain.ErrInvalidOrganization
	}

	keyset, err := pagination.DecodeKeyset(req.PageToken)
	if err != nil {
		return domain.ListBackupsResponse{}, domain.ErrInvalidPageToken
	}
	var cursor *domain.BackupCursor
	if keyset != nil {
		cursor = &domain.BackupCursor{ID: keyset.ID, RequestedAt: keyset.At}
	}
	pageSize := req.Limit(20)

	productID := req.ProductID
	if scoped, ok := orgcontext.ProductIDFromContext(ctx); ok && scoped != 0 {
		if productID != 0 && productID != scoped {
			return domain.ListBackupsResponse{}, domain.ErrInvalidProduct
		}
		productID = scoped
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		OrgID:     orgID,
		ProductID: productID,
		Statuses:  req.Statuses,
		Cursor:    cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return domain.ListBackupsResponse{}, err
	}

	backups, pageInfo := pagination.Page(items, pageSize, func(r *domain.BackupRecord) pagination.Keyset {
		return pagination.Keyset{ID: r.ID, At: r.RequestedAt}
	})
	resp := domain.ListBackupsResponse{Backups: backups, PageInfo: pageInfo}
	return resp, nil
}

func (s *Service) SetLegalHold(ctx context.Context, id snowflake.ID, hold bool) (*domain.BackupRecord, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.SetLegalHold(ctx, tx, id, hold, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidTransition
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupLegalHold,
			Status:    auditdomain.StatusSuccess,
			Metadata:  map[string]any{"legal_hold": hold},
		})
	})
	if err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, s.db, id)
}

// load fetches a record and hides it from callers scoped to another
// organization or, when the caller carries one, another product.
func (s *Service) load(ctx context.Context, id snowflake.ID) (*domain.BackupRecord, error) {
	if id == 0 {
		return nil, domain.ErrNotFound
	}
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if orgcontext.IsSuperuser(ctx) {
		return record, nil
	}
	if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok && orgID != 0 && orgID != record.OrgID {
		return nil, domain.ErrNotFound
	}
	if productID, ok := orgcontext.ProductIDFromContext(ctx); ok && productID != 0 && productID != record.ProductID {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

// artifactDir is backups/{org}/{product}/{yyyy}/{mm}/{backup_id}/.
func artifactDir(record *domain.BackupRecord) string {
	at := record.RequestedAt.UTC()
	return strings.Join([]string{
		"backups",
		record.OrgID.String(),
		record.ProductID.String(),
		at.Format("2006"),
		at.Format("01"),
		record.ID.String(),
	}, "/") + "/"
}
