package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusGraceReadonly Status = "GRACE_READONLY"
	StatusArchived      Status = "ARCHIVED"
	StatusPendingDelete Status = "PENDING_DELETE"
	StatusDeleted       Status = "DELETED"
)

// Restricted reports whether the status limits tenant access at all.
func (s Status) Restricted() bool {
	return s != StatusActive && s != ""
}

// TenantRetentionStatus is the persisted lifecycle row, one per organization.
// Only the lifecycle service writes it.
type TenantRetentionStatus struct {
	OrgID              snowflake.ID `gorm:"column:org_id;primaryKey" json:"org_id"`
	Status             Status       `gorm:"type:text;not null" json:"status"`
	SubscriptionExpiry *time.Time   `gorm:"column:subscription_expiry" json:"subscription_expiry,omitempty"`
	GraceUntil         *time.Time   `gorm:"column:grace_until" json:"grace_until,omitempty"`
	ArchiveUntil       *time.Time   `gorm:"column:archive_until" json:"archive_until,omitempty"`
	DeletedAt          *time.Time   `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
	LastEvaluatedAt    time.Time    `gorm:"column:last_evaluated_at;not null" json:"last_evaluated_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (TenantRetentionStatus) TableName() string { return "tenant_retention_statuses" }

// Evaluation is the pure result of Compute.
type Evaluation struct {
	Status       Status
	Expiry       *time.Time
	GraceUntil   *time.Time
	ArchiveUntil *time.Time
}
