package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/retention"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	purgeReasonRetention = "retention"
	purgeReasonExpired   = "expired"
)

func (s *Service) PreviewRetention(ctx context.Context, tenant domain.Tenant) (*domain.RetentionPreview, error) {
	if tenant.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	preview, _, err := s.plan(ctx, tenant, s.clock.Now().UTC())
	return preview, err
}

// plan classifies the tenant's completed and expired backups. Expired records
// stay restorable until the GFS scheme drops them.
func (s *Service) plan(ctx context.Context, tenant domain.Tenant, now time.Time) (*domain.RetentionPreview, map[snowflake.ID]*domain.BackupRecord, error) {
	policy, err := s.policies.ForTenant(ctx, tenant.OrgID, tenant.ProductID)
	if err != nil {
		return nil, nil, err
	}
	records, err := s.repo.ListRetentionCandidates(ctx, s.db, tenant)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[snowflake.ID]*domain.BackupRecord, len(records))
	candidates := make([]retention.Candidate, 0, len(records))
	expired := make([]snowflake.ID, 0)
	for _, record := range records {
		byID[record.ID] = record
		if record.Status == domain.BackupStatusExpired {
			expired = append(expired, record.ID)
		}
		candidates = append(candidates, retention.Candidate{
			ID:          record.ID,
			Status:      string(record.Status),
			CompletedAt: record.CompletedAt,
		})
	}

	result := retention.Classify(candidates, policy, now)
	return &domain.RetentionPreview{
		Tenant:   tenant,
		Policy:   policy,
		Keep:     result.Keep,
		Purge:    result.Purge,
		Expired:  expired,
		Decision: result.Decisions,
	}, byID, nil
}

func (s *Service) ApplyRetention(ctx context.Context, batchSize int) (domain.RetentionRunResult, error) {
	var (
		result domain.RetentionRunResult
		errs   []error
		after  domain.Tenant
	)
	now := s.clock.Now().UTC()

	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		tenants, err := s.repo.ListTenants(ctx, s.db, after, batchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if len(tenants) == 0 {
			break
		}
		for _, tenant := range tenants {
			after = tenant
			purged, kept, err := s.applyTenant(ctx, tenant, now)
			result.Tenants++
			result.Purged += purged
			result.Kept += kept
			if err != nil {
				errs = append(errs, fmt.Errorf("org %d product %d: %w", tenant.OrgID, tenant.ProductID, err))
			}
		}
	}
	return result, errors.Join(errs...)
}

func (s *Service) applyTenant(ctx context.Context, tenant domain.Tenant, now time.Time) (int, int, error) {
	preview, records, err := s.plan(ctx, tenant, now)
	if err != nil {
		return 0, 0, err
	}

	var errs []error
	purged := 0
	for _, id := range preview.Purge {
		record, ok := records[id]
		if !ok {
			continue
		}
		reason := purgeReasonRetention
		if record.Status == domain.BackupStatusExpired {
			reason = purgeReasonExpired
		}
		done, err := s.purge(ctx, record, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup %d: %w", id, err))
			continue
		}
		if done {
			purged++
		}
	}

	if purged > 0 {
		s.log.Info("retention applied",
			zap.Int64("org_id", int64(tenant.OrgID)),
			zap.Int64("product_id", int64(tenant.ProductID)),
			zap.Int("kept", len(preview.Keep)),
			zap.Int("purged", purged),
		)
	}
	return purged, len(preview.Keep), errors.Join(errs...)
}

// purge marks the record purged and then deletes its artifacts. The row
// moves first so a crash leaves orphaned blobs, never a record pointing at
// missing data.
func (s *Service) purge(ctx context.Context, record *domain.BackupRecord, reason string) (bool, error) {
	unlock := s.locks.Lock(record.ID)
	defer unlock()

	now := s.clock.Now().UTC()
	purged := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkPurged(ctx, tx, record.ID, now)
		if err != nil || !ok {
			return err
		}
		purged = true
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupPurged,
			Status:    auditdomain.StatusSuccess,
			ActorType: auditdomain.ActorTypeScheduler,
			Metadata:  map[string]any{"reason": reason},
		})
	})
	if err != nil || !purged {
		return false, err
	}

	s.deleteArtifacts(ctx, []string{record.ArchivePath, record.ManifestPath, record.ChecksumPath})
	s.metrics.RecordRetentionPurged(ctx, reason, 1)
	return true, nil
}

func (s *Service) ExpireBackups(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now().UTC()
	records, err := s.repo.ListExpirable(ctx, s.db, now, batchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	expired := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.expire(ctx, record, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup %d: %w", record.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Service) expire(ctx context.Context, record *domain.BackupRecord, now time.Time) (bool, error) {
	unlock := s.locks.Lock(record.ID)
	defer unlock()

	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkExpired(ctx, tx, record.ID, now)
		if err != nil || !ok {
			return err
		}
		expired = true
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupExpired,
			Status:    auditdomain.StatusInfo,
			ActorType: auditdomain.ActorTypeScheduler,
		})
	})
	return expired, err
}
