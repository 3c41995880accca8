package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type BackupStatus string

const (
	BackupStatusQueued    BackupStatus = "queued"
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
	BackupStatusExpired   BackupStatus = "expired"
	BackupStatusPurged    BackupStatus = "purged"
)

func (s BackupStatus) Valid() bool {
	switch s {
	case BackupStatusQueued, BackupStatusRunning, BackupStatusCompleted,
		BackupStatusFailed, BackupStatusExpired, BackupStatusPurged:
		return true
	default:
		return false
	}
}

// InFlight reports whether a pipeline still owns the record.
func (s BackupStatus) InFlight() bool {
	return s == BackupStatusQueued || s == BackupStatusRunning
}

// Restorable reports whether the archive may be restored or downloaded.
func (s BackupStatus) Restorable() bool {
	return s == BackupStatusCompleted || s == BackupStatusExpired
}

// Tenant is the unit every backup belongs to.
type Tenant struct {
	OrgID     snowflake.ID
	ProductID snowflake.ID
}

type BackupRecord struct {
	ID                  snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID               snowflake.ID `gorm:"column:org_id;not null;index" json:"org_id"`
	ProductID           snowflake.ID `gorm:"column:product_id;not null" json:"product_id"`
	Status              BackupStatus `gorm:"type:text;not null" json:"status"`
	RequestID           string       `gorm:"column:request_id;type:text" json:"request_id"`
	RequestedBy         *string      `gorm:"column:requested_by;type:text" json:"requested_by,omitempty"`
	ArchivePath         string       `gorm:"column:archive_path;type:text" json:"archive_path,omitempty"`
	ManifestPath        string       `gorm:"column:manifest_path;type:text" json:"manifest_path,omitempty"`
	ChecksumPath        string       `gorm:"column:checksum_path;type:text" json:"checksum_path,omitempty"`
	Checksum            string       `gorm:"type:text" json:"checksum,omitempty"`
	SizeBytes           int64        `gorm:"column:size_bytes" json:"size_bytes"`
	ErrorMessage        *string      `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	DownloadTokenHash   *string      `gorm:"column:download_token_hash;type:text" json:"-"`
	DownloadTokenUsedAt *time.Time   `gorm:"column:download_token_used_at" json:"download_token_used_at,omitempty"`
	LegalHold           bool         `gorm:"column:legal_hold;not null" json:"legal_hold"`
	ExpiresAt           *time.Time   `gorm:"column:expires_at" json:"expires_at,omitempty"`
	RequestedAt         time.Time    `gorm:"column:requested_at;not null" json:"requested_at"`
	StartedAt           *time.Time   `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt         *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	PurgedAt            *time.Time   `gorm:"column:purged_at" json:"purged_at,omitempty"`
	UpdatedAt           time.Time    `gorm:"not null" json:"updated_at"`
}

func (BackupRecord) TableName() string { return "backup_records" }

func (r BackupRecord) Tenant() Tenant {
	return Tenant{OrgID: r.OrgID, ProductID: r.ProductID}
}

// Fragment is what one exporter contributes to the manifest.
type Fragment struct {
	Dir     string         `json:"dir,omitempty"`
	Files   []string       `json:"files,omitempty"`
	Records int            `json:"records,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// SectionResult records one exporter run. Error is set instead of aborting
// the backup when the exporter fails.
type SectionResult struct {
	Exporter string    `json:"exporter"`
	Fragment *Fragment `json:"fragment,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (s SectionResult) Failed() bool {
	return s.Error != ""
}

// Manifest is the manifest.json stored inside and beside every archive.
type Manifest struct {
	BackupID        string          `json:"backup_id"`
	OrganizationID  int64           `json:"organization_id"`
	ProductID       int64           `json:"product_id"`
	CreatedAt       time.Time       `json:"created_at"`
	Sections        []SectionResult `json:"sections"`
	Files           []string        `json:"files"`
	ExcludePrefixes []string        `json:"exclude_prefixes"`
}

// Section returns the result recorded for an exporter name.
func (m Manifest) Section(name string) (SectionResult, bool) {
	for _, s := range m.Sections {
		if s.Exporter == name {
			return s, true
		}
	}
	return SectionResult{}, false
}

// Artifact names under a backup's storage directory.
const (
	ArchiveFileName  = "backup.zip"
	ManifestFileName = "manifest.json"
	ChecksumFileName = "backup.sha256"

	// SectionsDir holds exporter output inside the archive. Tenant files keep
	// their storage path at the archive root.
	SectionsDir = "sections"
)

type BackupCursor struct {
	ID          snowflake.ID
	RequestedAt time.Time
}

type ListFilter struct {
	OrgID     snowflake.ID
	ProductID snowflake.ID
	Statuses  []BackupStatus
	Cursor    *BackupCursor
	Limit     int
}
