package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.TenantRetentionStatus, error) {
	var row domain.TenantRetentionStatus
	result := db.WithContext(ctx).Raw(
		`SELECT org_id, status, subscription_expiry, grace_until, archive_until,
		        deleted_at, last_evaluated_at, updated_at
		 FROM tenant_retention_statuses
		 WHERE org_id = ?`,
		orgID,
	).Scan(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, row *domain.TenantRetentionStatus) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tenant_retention_statuses (
			org_id, status, subscription_expiry, grace_until, archive_until,
			deleted_at, last_evaluated_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id) DO UPDATE SET
			status = excluded.status,
			subscription_expiry = excluded.subscription_expiry,
			grace_until = excluded.grace_until,
			archive_until = excluded.archive_until,
			last_evaluated_at = excluded.last_evaluated_at,
			updated_at = excluded.updated_at
		WHERE tenant_retention_statuses.status <> ?`,
		row.OrgID,
		row.Status,
		row.SubscriptionExpiry,
		row.GraceUntil,
		row.ArchiveUntil,
		row.DeletedAt,
		row.LastEvaluatedAt,
		row.UpdatedAt,
		domain.StatusDeleted,
	).Error
}

func (r *repo) MarkDeleted(ctx context.Context, db *gorm.DB, orgID snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_retention_statuses
		 SET status = ?, deleted_at = ?, updated_at = ?
		 WHERE org_id = ? AND status = ?`,
		domain.StatusDeleted,
		at,
		at,
		orgID,
		domain.StatusPendingDelete,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListOrgIDs(ctx context.Context, db *gorm.DB, afterOrgID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT org_id FROM (
			SELECT org_id FROM tenant_subscriptions
			UNION
			SELECT org_id FROM tenant_retention_statuses
		) orgs
		WHERE org_id > ?
		ORDER BY org_id ASC
		LIMIT ?`,
		afterOrgID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, snowflake.ID(id))
	}
	return out, nil
}
