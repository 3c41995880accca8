package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*TenantRetentionStatus, error)
	// Upsert writes the row unless the stored status is already DELETED.
	Upsert(ctx context.Context, db *gorm.DB, row *TenantRetentionStatus) error
	// MarkDeleted moves PENDING_DELETE to DELETED and reports whether a row changed.
	MarkDeleted(ctx context.Context, db *gorm.DB, orgID snowflake.ID, at time.Time) (bool, error)
	// ListOrgIDs pages through organizations with any subscription, ordered by id.
	ListOrgIDs(ctx context.Context, db *gorm.DB, afterOrgID snowflake.ID, limit int) ([]snowflake.ID, error)
}

// ExpiryReader supplies the subscription expiry an organization's status is
// computed from. A nil expiry means the organization is not lapsed.
type ExpiryReader interface {
	SubscriptionExpiry(ctx context.Context, orgID snowflake.ID) (*time.Time, error)
}

type Service interface {
	// Get returns the stored status, re-evaluating first when it is missing or stale.
	Get(ctx context.Context, orgID snowflake.ID) (*TenantRetentionStatus, error)
	Evaluate(ctx context.Context, orgID snowflake.ID) (*TenantRetentionStatus, error)
	Sweep(ctx context.Context, batchSize int) (SweepResult, error)
	ConfirmDeleted(ctx context.Context, orgID snowflake.ID) (*TenantRetentionStatus, error)
}

type SweepResult struct {
	Evaluated   int
	Transitions map[string]int
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidTransition   = errors.New("invalid_lifecycle_transition")
	ErrNotFound            = errors.New("lifecycle_status_not_found")
	ErrRestricted          = errors.New("tenant_lifecycle_restricted")
)
