package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reapedMessage = "reaped: worker lost"

// ReapStuck fails running backups whose worker has not finished within the
// configured window. Reaped backups are never retried automatically.
func (s *Service) ReapStuck(ctx context.Context, batchSize int) (int, error) {
	if s.cfg.StuckAfter <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now().UTC()
	records, err := s.repo.ListStuckRunning(ctx, s.db, now.Add(-s.cfg.StuckAfter), batchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	reaped := 0
	for _, record := range records {
		// A pipeline in this process still holds the lock; it is not lost.
		unlock := s.locks.TryLock(record.ID)
		if unlock == nil {
			continue
		}
		ok, err := s.reap(ctx, record, now)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("backup %d: %w", record.ID, err))
			continue
		}
		if ok {
			reaped++
			s.releaseInFlight(ctx, record)
			s.log.Warn("reaped stuck backup",
				zap.String("backup_id", record.ID.String()),
				zap.Int64("org_id", int64(record.OrgID)),
				zap.Timep("started_at", record.StartedAt),
			)
		}
	}
	return reaped, errors.Join(errs...)
}

func (s *Service) reap(ctx context.Context, record *domain.BackupRecord, now time.Time) (bool, error) {
	reaped := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkFailed(ctx, tx, record.ID, reapedMessage, now)
		if err != nil || !ok {
			return err
		}
		reaped = true
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupReaped,
			Status:    auditdomain.StatusFailure,
			ActorType: auditdomain.ActorTypeScheduler,
			Metadata:  map[string]any{"error": reapedMessage},
		})
	})
	return reaped, err
}

// DispatchQueued hands queued backups older than olderThan back to the
// worker pool. It returns how many were accepted.
func (s *Service) DispatchQueued(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	d := s.currentDispatcher()
	if d == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	records, err := s.repo.ListQueuedBefore(ctx, s.db, s.clock.Now().UTC().Add(-olderThan), batchSize)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, record := range records {
		if !d.Dispatch(record.ID) {
			break
		}
		dispatched++
	}
	return dispatched, nil
}
