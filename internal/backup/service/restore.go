package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bwmarrin/snowflake"
	"github.com/goccy/go-json"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/archive"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"go.uber.org/zap"
)

func (s *Service) Restore(ctx context.Context, id snowflake.ID) error {
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	// Re-read under the lock; retention may have purged it meanwhile.
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !record.Status.Restorable() {
		return domain.ErrNotRestorable
	}

	s.recordRestore(ctx, record, auditdomain.ActionRestoreStarted, auditdomain.StatusInfo, nil)

	if err := s.restore(ctx, record); err != nil {
		s.recordRestore(ctx, record, auditdomain.ActionRestoreFailed, auditdomain.StatusFailure, map[string]any{"error": err.Error()})
		s.metrics.RecordRestore(ctx, "failed")
		s.log.Warn("restore failed",
			zap.String("backup_id", record.ID.String()),
			zap.Int64("org_id", int64(record.OrgID)),
			zap.Error(err),
		)
		return err
	}

	s.recordRestore(ctx, record, auditdomain.ActionRestoreCompleted, auditdomain.StatusSuccess, nil)
	s.metrics.RecordRestore(ctx, "completed")
	s.log.Info("restore completed",
		zap.String("backup_id", record.ID.String()),
		zap.Int64("org_id", int64(record.OrgID)),
	)
	return nil
}

// restore verifies the archive before any restorer runs: checksum first,
// then a guarded extraction, then the manifest identity.
func (s *Service) restore(ctx context.Context, record *domain.BackupRecord) error {
	scratch, err := s.scratchDir("restore-" + record.ID.String())
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	zipPath := filepath.Join(scratch, domain.ArchiveFileName)
	if err := s.download(ctx, record.ArchivePath, zipPath); err != nil {
		return fmt.Errorf("download archive: %w", err)
	}

	expected, err := s.expectedChecksum(ctx, record)
	if err != nil {
		return err
	}
	actual, err := archive.SHA256File(zipPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", domain.ErrChecksumMismatch, expected, actual)
	}

	extracted := filepath.Join(scratch, "extracted")
	if err := archive.Extract(zipPath, extracted, s.cfg.MaxExtractBytes); err != nil {
		if errors.Is(err, archive.ErrUnsafeEntry) || errors.Is(err, archive.ErrExtractLimit) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidArchive, err)
		}
		return fmt.Errorf("extract archive: %w", err)
	}

	manifest, err := readManifest(filepath.Join(extracted, domain.ManifestFileName))
	if err != nil {
		return err
	}
	if manifest.BackupID != record.ID.String() ||
		manifest.OrganizationID != int64(record.OrgID) ||
		manifest.ProductID != int64(record.ProductID) {
		return fmt.Errorf("%w: archive belongs to org %d product %d",
			domain.ErrManifestMismatch, manifest.OrganizationID, manifest.ProductID)
	}

	for _, restorer := range s.registry.Restorers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := restorer.Restore(ctx, record.Tenant(), extracted, *manifest); err != nil {
			return fmt.Errorf("restorer %s: %w", restorer.Name(), err)
		}
	}
	return nil
}

// expectedChecksum prefers the recorded digest and falls back to the
// checksum file stored beside the archive.
func (s *Service) expectedChecksum(ctx context.Context, record *domain.BackupRecord) (string, error) {
	if record.Checksum != "" {
		return record.Checksum, nil
	}
	rc, err := s.storage.Open(ctx, record.ChecksumPath)
	if err != nil {
		return "", fmt.Errorf("open checksum: %w", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	sum, err := archive.ParseChecksum(string(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrChecksumMismatch, err)
	}
	return sum, nil
}

func (s *Service) download(ctx context.Context, name, target string) error {
	rc, err := s.storage.Open(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readManifest(p string) (*domain.Manifest, error) {
	body, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: missing manifest", domain.ErrInvalidArchive)
	}
	var manifest domain.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", domain.ErrInvalidArchive, err)
	}
	return &manifest, nil
}

func (s *Service) recordRestore(ctx context.Context, record *domain.BackupRecord, action, status string, metadata map[string]any) {
	err := s.audit.Record(context.WithoutCancel(ctx), auditdomain.Event{
		OrgID:     record.OrgID,
		ProductID: record.ProductID,
		BackupID:  record.ID,
		Action:    action,
		Status:    status,
		Metadata:  metadata,
	})
	if err != nil {
		s.log.Warn("failed to audit restore", zap.String("action", action), zap.Error(err))
	}
}
