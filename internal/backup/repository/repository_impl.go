package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.BackupRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO backup_records (
			id, org_id, product_id, status, request_id, requested_by,
			archive_path, manifest_path, checksum_path, checksum, size_bytes,
			legal_hold, requested_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, '', '', '', '', 0, ?, ?, ?)`,
		record.ID,
		record.OrgID,
		record.ProductID,
		record.Status,
		record.RequestID,
		record.RequestedBy,
		false,
		record.RequestedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BackupRecord, error) {
	var record domain.BackupRecord
	err := db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.BackupRecord, error) {
	var records []*domain.BackupRecord
	stmt := db.WithContext(ctx).Model(&domain.BackupRecord{}).
		Where("org_id = ?", filter.OrgID)

	if filter.ProductID != 0 {
		stmt = stmt.Where("product_id = ?", filter.ProductID)
	}
	if len(filter.Statuses) > 0 {
		stmt = stmt.Where("status IN ?", filter.Statuses)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(requested_at < ?) OR (requested_at = ? AND id < ?)",
			filter.Cursor.RequestedAt,
			filter.Cursor.RequestedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("requested_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) HasInFlight(ctx context.Context, db *gorm.DB, tenant domain.Tenant) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM backup_records
		 WHERE org_id = ? AND product_id = ? AND status IN (?, ?)`,
		tenant.OrgID,
		tenant.ProductID,
		domain.BackupStatusQueued,
		domain.BackupStatusRunning,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) MarkRunning(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.BackupStatusRunning,
		at,
		at,
		id,
		domain.BackupStatusQueued,
	))
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, f domain.CompletedFields) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET status = ?, archive_path = ?, manifest_path = ?, checksum_path = ?,
		     checksum = ?, size_bytes = ?, download_token_hash = ?, download_token_used_at = NULL,
		     expires_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.BackupStatusCompleted,
		f.ArchivePath,
		f.ManifestPath,
		f.ChecksumPath,
		f.Checksum,
		f.SizeBytes,
		nullable(f.DownloadTokenHash),
		f.ExpiresAt,
		f.CompletedAt,
		f.CompletedAt,
		id,
		domain.BackupStatusRunning,
	))
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.BackupStatusFailed,
		message,
		at,
		at,
		id,
		domain.BackupStatusRunning,
	))
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND legal_hold = ?`,
		domain.BackupStatusExpired,
		at,
		id,
		domain.BackupStatusCompleted,
		false,
	))
}

func (r *repo) MarkPurged(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET status = ?, purged_at = ?, download_token_hash = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?) AND legal_hold = ?`,
		domain.BackupStatusPurged,
		at,
		at,
		id,
		domain.BackupStatusCompleted,
		domain.BackupStatusExpired,
		false,
	))
}

func (r *repo) SetLegalHold(ctx context.Context, db *gorm.DB, id snowflake.ID, hold bool, at time.Time) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET legal_hold = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		hold,
		at,
		id,
		domain.BackupStatusCompleted,
		domain.BackupStatusExpired,
	))
}

func (r *repo) SetDownloadToken(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, at time.Time) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET download_token_hash = ?, download_token_used_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		hash,
		at,
		id,
		domain.BackupStatusCompleted,
		domain.BackupStatusExpired,
	))
}

func (r *repo) ConsumeDownloadToken(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, at time.Time) (bool, error) {
	return affected(db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET download_token_used_at = ?, updated_at = ?
		 WHERE id = ? AND download_token_hash = ? AND download_token_used_at IS NULL`,
		at,
		at,
		id,
		hash,
	))
}

func (r *repo) ListRetentionCandidates(ctx context.Context, db *gorm.DB, tenant domain.Tenant) ([]*domain.BackupRecord, error) {
	var records []*domain.BackupRecord
	err := db.WithContext(ctx).
		Where("org_id = ? AND product_id = ?", tenant.OrgID, tenant.ProductID).
		Where("status IN ?", []domain.BackupStatus{domain.BackupStatusCompleted, domain.BackupStatusExpired}).
		Where("legal_hold = ?", false).
		Order("completed_at desc, id desc").
		Find(&records).Error
	return records, err
}

type tenantRow struct {
	OrgID     int64
	ProductID int64
}

func (r *repo) ListTenants(ctx context.Context, db *gorm.DB, after domain.Tenant, limit int) ([]domain.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []tenantRow
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id, product_id
		 FROM backup_records
		 WHERE status IN (?, ?)
		   AND (org_id > ? OR (org_id = ? AND product_id > ?))
		 ORDER BY org_id ASC, product_id ASC
		 LIMIT ?`,
		domain.BackupStatusCompleted,
		domain.BackupStatusExpired,
		after.OrgID,
		after.OrgID,
		after.ProductID,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Tenant, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Tenant{OrgID: snowflake.ID(row.OrgID), ProductID: snowflake.ID(row.ProductID)})
	}
	return out, nil
}

func (r *repo) ListExpirable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.BackupRecord, error) {
	var records []*domain.BackupRecord
	err := db.WithContext(ctx).
		Where("status = ?", domain.BackupStatusCompleted).
		Where("legal_hold = ?", false).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at asc, id asc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *repo) ListStuckRunning(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]*domain.BackupRecord, error) {
	var records []*domain.BackupRecord
	err := db.WithContext(ctx).
		Where("status = ?", domain.BackupStatusRunning).
		Where("started_at IS NOT NULL AND started_at < ?", startedBefore).
		Order("started_at asc, id asc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *repo) ListQueuedBefore(ctx context.Context, db *gorm.DB, requestedBefore time.Time, limit int) ([]*domain.BackupRecord, error) {
	var records []*domain.BackupRecord
	err := db.WithContext(ctx).
		Where("status = ?", domain.BackupStatusQueued).
		Where("requested_at < ?", requestedBefore).
		Order("requested_at asc, id asc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func affected(result *gorm.DB) (bool, error) {
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
