package retentionpolicy

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	ListForOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]TenantOverride, error)
	Upsert(ctx context.Context, db *gorm.DB, override *TenantOverride) error
	Delete(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) error
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) ListForOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]TenantOverride, error) {
	var rows []TenantOverride
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, product_id, policy, created_at, updated_at
		 FROM tenant_retention_overrides
		 WHERE org_id = ?
		 ORDER BY product_id ASC`,
		orgID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, override *TenantOverride) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tenant_retention_overrides (id, org_id, product_id, policy, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, product_id) DO UPDATE
		 SET policy = excluded.policy, updated_at = excluded.updated_at`,
		override.ID,
		override.OrgID,
		override.ProductID,
		override.Policy,
		override.CreatedAt,
		override.UpdatedAt,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM tenant_retention_overrides WHERE org_id = ? AND product_id = ?`,
		orgID,
		productID,
	).Error
}
