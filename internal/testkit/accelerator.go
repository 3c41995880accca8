package testkit

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites timestamps so batch jobs see old rows without waiting.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// AgeBackup moves the completion time of a backup into the past.
func (ta *TimeAccelerator) AgeBackup(ctx context.Context, backupID snowflake.ID, completedAt time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE backup_records
		 SET completed_at = ?, requested_at = ?, started_at = ?
		 WHERE id = ?`,
		completedAt,
		completedAt,
		completedAt,
		backupID,
	).Error
}

// ExpireBackupNow sets expires_at one minute in the past relative to now.
func (ta *TimeAccelerator) ExpireBackupNow(ctx context.Context, backupID snowflake.ID, now time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE backup_records SET expires_at = ? WHERE id = ?`,
		now.Add(-time.Minute),
		backupID,
	).Error
}

// StallRunning makes a running backup look abandoned since startedAt.
func (ta *TimeAccelerator) StallRunning(ctx context.Context, backupID snowflake.ID, startedAt time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE backup_records SET started_at = ?, updated_at = ? WHERE id = ?`,
		startedAt,
		startedAt,
		backupID,
	).Error
}

// SetSubscriptionEnd upserts a subscription row with the given period end.
// A nil end models an open-ended active subscription.
func (ta *TimeAccelerator) SetSubscriptionEnd(ctx context.Context, orgID, productID snowflake.ID, status string, end *time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`INSERT INTO tenant_subscriptions (org_id, product_id, status, current_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, product_id) DO UPDATE
		 SET status = excluded.status, current_period_end = excluded.current_period_end, updated_at = excluded.updated_at`,
		orgID,
		productID,
		status,
		end,
		time.Now().UTC(),
	).Error
}
