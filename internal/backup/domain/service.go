package domain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/retention"
	"github.com/smallbiznis/tenantvault/pkg/db/pagination"
	"gorm.io/gorm"
)

// CompletedFields are written by the running to completed transition.
type CompletedFields struct {
	ArchivePath       string
	ManifestPath      string
	ChecksumPath      string
	Checksum          string
	SizeBytes         int64
	DownloadTokenHash string
	ExpiresAt         *time.Time
	CompletedAt       time.Time
}

// Repository transitions are compare-and-swap updates. The bool result
// reports whether this caller won the transition.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *BackupRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BackupRecord, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*BackupRecord, error)
	HasInFlight(ctx context.Context, db *gorm.DB, tenant Tenant) (bool, error)

	MarkRunning(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, fields CompletedFields) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkPurged(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	SetLegalHold(ctx context.Context, db *gorm.DB, id snowflake.ID, hold bool, at time.Time) (bool, error)
	SetDownloadToken(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, at time.Time) (bool, error)
	ConsumeDownloadToken(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, at time.Time) (bool, error)

	// ListRetentionCandidates returns completed and expired records without a legal hold.
	ListRetentionCandidates(ctx context.Context, db *gorm.DB, tenant Tenant) ([]*BackupRecord, error)
	// ListTenants pages through tenants that own completed or expired records.
	ListTenants(ctx context.Context, db *gorm.DB, after Tenant, limit int) ([]Tenant, error)
	ListExpirable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*BackupRecord, error)
	ListStuckRunning(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]*BackupRecord, error)
	ListQueuedBefore(ctx context.Context, db *gorm.DB, requestedBefore time.Time, limit int) ([]*BackupRecord, error)
}

// Dispatcher hands a queued backup to a worker. It returns false when the
// backup could not be scheduled; the record then stays queued.
type Dispatcher interface {
	Dispatch(id snowflake.ID) bool
}

type ListBackupsRequest struct {
	pagination.Pagination
	ProductID snowflake.ID
	Statuses  []BackupStatus
}

type ListBackupsResponse struct {
	pagination.PageInfo
	Backups []BackupRecord `json:"backups"`
}

// RunResult is returned by a finished pipeline. DownloadToken is the only
// copy of the plaintext token; the record keeps its hash.
type RunResult struct {
	Record        *BackupRecord
	DownloadToken string
}

type RetentionPreview struct {
	Tenant   Tenant               `json:"-"`
	Policy   retention.Policy     `json:"policy"`
	Keep     []snowflake.ID       `json:"keep"`
	Purge    []snowflake.ID       `json:"purge"`
	Expired  []snowflake.ID       `json:"expired"`
	Decision []retention.Decision `json:"decisions"`
}

type RetentionRunResult struct {
	Tenants int
	Purged  int
	Kept    int
}

type Service interface {
	RequestBackup(ctx context.Context, tenant Tenant, actorID string) (*BackupRecord, error)
	RunBackup(ctx context.Context, id snowflake.ID) (*RunResult, error)
	Restore(ctx context.Context, id snowflake.ID) error

	Get(ctx context.Context, id snowflake.ID) (*BackupRecord, error)
	List(ctx context.Context, req ListBackupsRequest) (ListBackupsResponse, error)
	SetLegalHold(ctx context.Context, id snowflake.ID, hold bool) (*BackupRecord, error)

	IssueDownloadToken(ctx context.Context, id snowflake.ID) (string, error)
	// OpenDownload consumes the token and streams the archive.
	OpenDownload(ctx context.Context, id snowflake.ID, token string) (io.ReadCloser, *BackupRecord, error)

	PreviewRetention(ctx context.Context, tenant Tenant) (*RetentionPreview, error)
}

// Maintenance holds the batch operations run by the scheduler.
type Maintenance interface {
	ApplyRetention(ctx context.Context, batchSize int) (RetentionRunResult, error)
	ExpireBackups(ctx context.Context, batchSize int) (int, error)
	ReapStuck(ctx context.Context, batchSize int) (int, error)
	DispatchQueued(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrNotFound            = errors.New("backup_not_found")
	ErrBackupInProgress    = errors.New("backup_in_progress")
	ErrInvalidTransition   = errors.New("backup_invalid_transition")
	ErrNotRestorable       = errors.New("backup_not_restorable")
	ErrArchiveTooLarge     = errors.New("archive_too_large")
	ErrChecksumMismatch    = errors.New("checksum_mismatch")
	ErrManifestMismatch    = errors.New("manifest_mismatch")
	ErrInvalidArchive      = errors.New("invalid_archive")
	ErrInvalidToken        = errors.New("invalid_download_token")
	ErrRateLimited         = errors.New("rate_limited")
	ErrLegalHold           = errors.New("backup_legal_hold")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
