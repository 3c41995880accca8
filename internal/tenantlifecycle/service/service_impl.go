package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/observability/metrics"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Repo     domain.Repository
	Expiry   domain.ExpiryReader
	Policies retentionpolicy.Resolver
	Audit    auditdomain.Service
	Clock    clock.Clock
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       domain.Repository
	expiry     domain.ExpiryReader
	policies   retentionpolicy.Resolver
	audit      auditdomain.Service
	clock      clock.Clock
	metrics    *metrics.Metrics
	staleAfter time.Duration
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("tenantlifecycle.service"),
		repo:       p.Repo,
		expiry:     p.Expiry,
		policies:   p.Policies,
		audit:      p.Audit,
		clock:      p.Clock,
		metrics:    p.Metrics,
		staleAfter: p.Cfg.Lifecycle.StaleAfter,
	}
}

func (s *Service) Get(ctx context.Context, orgID snowflake.ID) (*domain.TenantRetentionStatus, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	current, err := s.repo.Get(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if current != nil && !s.isStale(current) {
		return current, nil
	}
	return s.evaluate(ctx, orgID, current)
}

func (s *Service) Evaluate(ctx context.Context, orgID snowflake.ID) (*domain.TenantRetentionStatus, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	current, err := s.repo.Get(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, orgID, current)
}

func (s *Service) Sweep(ctx context.Context, batchSize int) (domain.SweepResult, error) {
	result := domain.SweepResult{Transitions: map[string]int{}}
	var errs []error
	var after snowflake.ID

	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ids, err := s.repo.ListOrgIDs(ctx, s.db, after, batchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if len(ids) == 0 {
			break
		}
		for _, orgID := range ids {
			after = orgID
			before, err := s.repo.Get(ctx, s.db, orgID)
			if err != nil {
				errs = append(errs, fmt.Errorf("org %d: %w", orgID, err))
				continue
			}
			updated, err := s.evaluate(ctx, orgID, before)
			if err != nil {
				errs = append(errs, fmt.Errorf("org %d: %w", orgID, err))
				continue
			}
			result.Evaluated++
			if isTransition(before, updated.Status) {
				result.Transitions[string(updated.Status)]++
			}
		}
		if batchSize <= 0 || len(ids) < batchSize {
			break
		}
	}

	return result, errors.Join(errs...)
}

func (s *Service) ConfirmDeleted(ctx context.Context, orgID snowflake.ID) (*domain.TenantRetentionStatus, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	now := s.clock.Now().UTC()

	var updated *domain.TenantRetentionStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, err := s.repo.MarkDeleted(ctx, tx, orgID, now)
		if err != nil {
			return err
		}
		if !changed {
			return domain.ErrInvalidTransition
		}
		updated, err = s.repo.Get(ctx, tx, orgID)
		if err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:  orgID,
			Action: auditdomain.ActionLifecycleDeleted,
			Status: auditdomain.StatusSuccess,
			Metadata: map[string]any{
				"from": string(domain.StatusPendingDelete),
				"to":   string(domain.StatusDeleted),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLifecycleTransition(ctx, string(domain.StatusPendingDelete), string(domain.StatusDeleted))
	s.log.Info("tenant lifecycle deletion confirmed", zap.Int64("org_id", int64(orgID)))
	return updated, nil
}

func (s *Service) evaluate(ctx context.Context, orgID snowflake.ID, current *domain.TenantRetentionStatus) (*domain.TenantRetentionStatus, error) {
	if current != nil && current.Status == domain.StatusDeleted {
		return current, nil
	}

	expiry, err := s.expiry.SubscriptionExpiry(ctx, orgID)
	if err != nil {
		return nil, err
	}
	policy, err := s.policies.ForOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	eval := domain.Compute(expiry, policy, now)
	next := &domain.TenantRetentionStatus{
		OrgID:              orgID,
		Status:             domain.Next(previousStatus(current), eval),
		SubscriptionExpiry: eval.Expiry,
		GraceUntil:         eval.GraceUntil,
		ArchiveUntil:       eval.ArchiveUntil,
		LastEvaluatedAt:    now,
		UpdatedAt:          now,
	}

	from := previousStatus(current)
	transitioned := isTransition(current, next.Status)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Upsert(ctx, tx, next); err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:  orgID,
			Action: auditdomain.ActionLifecycleTransition,
			Status: auditdomain.StatusInfo,
			Metadata: map[string]any{
				"from":          string(from),
				"to":            string(next.Status),
				"expiry":        formatTime(eval.Expiry),
				"grace_until":   formatTime(eval.GraceUntil),
				"archive_until": formatTime(eval.ArchiveUntil),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.metrics.RecordLifecycleTransition(ctx, string(from), string(next.Status))
		s.log.Info("tenant lifecycle transition",
			zap.Int64("org_id", int64(orgID)),
			zap.String("from", string(from)),
			zap.String("to", string(next.Status)),
		)
	}
	return next, nil
}

func (s *Service) isStale(row *domain.TenantRetentionStatus) bool {
	if row.Status == domain.StatusDeleted {
		return false
	}
	if s.staleAfter <= 0 {
		return true
	}
	return s.clock.Now().UTC().Sub(row.LastEvaluatedAt) >= s.staleAfter
}

// isTransition ignores the first evaluation of a tenant that is still active.
func isTransition(current *domain.TenantRetentionStatus, next domain.Status) bool {
	if current == nil {
		return next != domain.StatusActive
	}
	return current.Status != next
}

func previousStatus(row *domain.TenantRetentionStatus) domain.Status {
	if row == nil {
		return ""
	}
	return row.Status
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
