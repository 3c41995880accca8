package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeUser      ActorType = "user"
	ActorTypeScheduler ActorType = "scheduler"
)

// Backup and lifecycle actions recorded in backup_audit_logs.
const (
	ActionBackupRequested     = "backup_requested"
	ActionBackupStarted       = "backup_started"
	ActionBackupCompleted     = "backup_completed"
	ActionBackupFailed        = "backup_failed"
	ActionBackupExpired       = "backup_expired"
	ActionBackupPurged        = "backup_purged"
	ActionBackupReaped        = "backup_reaped"
	ActionBackupDownloaded    = "backup_downloaded"
	ActionBackupLegalHold     = "backup_legal_hold"
	ActionRestoreStarted      = "restore_started"
	ActionRestoreCompleted    = "restore_completed"
	ActionRestoreFailed       = "restore_failed"
	ActionLifecycleTransition = "lifecycle_transition"
	ActionLifecycleDeleted    = "lifecycle_deleted"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusInfo    = "info"
)

// AuditLog is an append-only entry. Rows are never updated.
type AuditLog struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID      `gorm:"column:org_id;not null;index" json:"org_id"`
	ProductID *snowflake.ID     `gorm:"column:product_id" json:"product_id,omitempty"`
	Action    string            `gorm:"type:text;not null" json:"action"`
	Status    string            `gorm:"type:text;not null" json:"status"`
	ActorType string            `gorm:"column:actor_type;type:text;not null" json:"actor_type"`
	ActorID   *string           `gorm:"column:actor_id;type:text" json:"actor_id,omitempty"`
	BackupID  *snowflake.ID     `gorm:"column:backup_id" json:"backup_id,omitempty"`
	RequestID *string           `gorm:"column:request_id;type:text" json:"request_id,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	IPAddress *string           `gorm:"column:ip_address;type:text" json:"ip_address,omitempty"`
	UserAgent *string           `gorm:"column:user_agent;type:text" json:"user_agent,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
}

func (AuditLog) TableName() string { return "backup_audit_logs" }

// Event is what callers hand to Service.Record. Zero ids are stored as NULL.
type Event struct {
	OrgID     snowflake.ID
	ProductID snowflake.ID
	BackupID  snowflake.ID
	Action    string
	Status    string
	ActorType ActorType
	ActorID   string
	RequestID string
	Metadata  map[string]any
}

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	OrgID     snowflake.ID
	ProductID snowflake.ID
	BackupID  snowflake.ID
	Action    string
	ActorType string
	StartAt   *time.Time
	EndAt     *time.Time
	Cursor    *AuditCursor
	Limit     int
}
