package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
	"gorm.io/gorm"
)

// Subscription statuses that keep an organization out of the lifecycle.
var activeSubscriptionStatuses = map[string]struct{}{
	"active":   {},
	"trialing": {},
	"past_due": {},
}

type subscriptionRow struct {
	Status           string
	CurrentPeriodEnd *time.Time
}

type expiryReader struct {
	db *gorm.DB
}

// NewExpiryReader reads tenant_subscriptions, the table the billing system
// keeps in sync for this service.
func NewExpiryReader(db *gorm.DB) domain.ExpiryReader {
	return &expiryReader{db: db}
}

// SubscriptionExpiry returns nil when the organization has no subscriptions or
// holds an active subscription without an end. Otherwise it returns the
// latest period end across all of the organization's products.
func (r *expiryReader) SubscriptionExpiry(ctx context.Context, orgID snowflake.ID) (*time.Time, error) {
	var rows []subscriptionRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT status, current_period_end
		 FROM tenant_subscriptions
		 WHERE org_id = ?`,
		orgID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var latest *time.Time
	for _, row := range rows {
		_, active := activeSubscriptionStatuses[strings.ToLower(strings.TrimSpace(row.Status))]
		if row.CurrentPeriodEnd == nil {
			if active {
				return nil, nil
			}
			continue
		}
		end := row.CurrentPeriodEnd.UTC()
		if latest == nil || end.After(*latest) {
			latest = &end
		}
	}
	return latest, nil
}
