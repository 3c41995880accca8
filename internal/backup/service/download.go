package service

import (
	"context"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// IssueDownloadToken replaces any previous token. The plaintext is returned
// once and only its hash is stored.
func (s *Service) IssueDownloadToken(ctx context.Context, id snowflake.ID) (string, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	if !record.Status.Restorable() {
		return "", domain.ErrNotRestorable
	}

	token, hash, err := newDownloadToken()
	if err != nil {
		return "", err
	}
	ok, err := s.repo.SetDownloadToken(ctx, s.db, id, hash, s.clock.Now().UTC())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.ErrNotRestorable
	}
	return token, nil
}

func (s *Service) OpenDownload(ctx context.Context, id snowflake.ID, token string) (io.ReadCloser, *domain.BackupRecord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, domain.ErrInvalidToken
	}
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !record.Status.Restorable() {
		return nil, nil, domain.ErrNotRestorable
	}

	limit, err := s.limiter.AllowDownload(ctx, int64(id))
	if err != nil {
		return nil, nil, err
	}
	if !limit.Allowed {
		s.metrics.RecordRateLimitDenied(ctx, "backup_download", "token_bucket")
		return nil, nil, domain.ErrRateLimited
	}

	if record.DownloadTokenHash == nil || record.DownloadTokenUsedAt != nil {
		return nil, nil, domain.ErrInvalidToken
	}
	hash := *record.DownloadTokenHash
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return nil, nil, domain.ErrInvalidToken
	}
	// Open before consuming so a storage failure leaves the token usable.
	rc, err := s.storage.Open(ctx, record.ArchivePath)
	if err != nil {
		return nil, nil, err
	}
	ok, err := s.repo.ConsumeDownloadToken(ctx, s.db, id, hash, s.clock.Now().UTC())
	if err != nil || !ok {
		if cerr := rc.Close(); cerr != nil {
			s.log.Warn("failed to close backup archive", zap.String("backup_id", record.ID.String()), zap.Error(cerr))
		}
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, domain.ErrInvalidToken
	}

	if err := s.audit.Record(ctx, auditdomain.Event{
		OrgID:     record.OrgID,
		ProductID: record.ProductID,
		BackupID:  record.ID,
		Action:    auditdomain.ActionBackupDownloaded,
		Status:    auditdomain.StatusSuccess,
	}); err != nil {
		s.log.Warn("failed to audit download", zap.String("backup_id", record.ID.String()), zap.Error(err))
	}
	return rc, record, nil
}
