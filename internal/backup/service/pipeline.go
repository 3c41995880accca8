package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/auditcontext"
	"github.com/smallbiznis/tenantvault/internal/backup/archive"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/registry"
	"github.com/smallbiznis/tenantvault/internal/backup/scope"
	"github.com/smallbiznis/tenantvault/internal/ratelimit"
	"github.com/smallbiznis/tenantvault/internal/storage"
	pkgdb "github.com/smallbiznis/tenantvault/pkg/db"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const payloadDirName = "payload"

func (s *Service) RequestBackup(ctx context.Context, tenant domain.Tenant, actorID string) (*domain.BackupRecord, error) {
	if tenant.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if tenant.ProductID == 0 {
		return nil, domain.ErrInvalidProduct
	}

	lease, acquired, err := s.limiter.AcquireInFlight(ctx, int64(tenant.OrgID), int64(tenant.ProductID))
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.metrics.RecordRateLimitDenied(ctx, "backup_request", "in_flight")
		return nil, domain.ErrBackupInProgress
	}
	release := func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release in-flight key", zap.String("key", lease.Key()), zap.Error(err))
		}
	}

	busy, err := s.repo.HasInFlight(ctx, s.db, tenant)
	if err != nil {
		release()
		return nil, err
	}
	if busy {
		release()
		s.metrics.RecordRateLimitDenied(ctx, "backup_request", "in_flight")
		return nil, domain.ErrBackupInProgress
	}

	now := s.clock.Now().UTC()
	requestID := strings.TrimSpace(auditcontext.RequestIDFromContext(ctx))
	if requestID == "" {
		requestID = ulid.Make().String()
	}
	record := &domain.BackupRecord{
		ID:          s.genID.Generate(),
		OrgID:       tenant.OrgID,
		ProductID:   tenant.ProductID,
		Status:      domain.BackupStatusQueued,
		RequestID:   requestID,
		RequestedBy: optionalString(actorID),
		RequestedAt: now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, record); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return domain.ErrBackupInProgress
			}
			return err
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupRequested,
			Status:    auditdomain.StatusInfo,
			ActorID:   actorID,
			RequestID: requestID,
		})
	})
	if err != nil {
		release()
		return nil, err
	}
	if lease != nil {
		s.inFlight.Store(record.ID, lease)
	}

	s.log.Info("backup requested",
		zap.String("backup_id", record.ID.String()),
		zap.Int64("org_id", int64(record.OrgID)),
		zap.Int64("product_id", int64(record.ProductID)),
		zap.String("request_id", requestID),
	)

	if d := s.currentDispatcher(); d != nil && !d.Dispatch(record.ID) {
		s.log.Info("worker pool busy, backup left queued", zap.String("backup_id", record.ID.String()))
	}
	return record, nil
}

func (s *Service) RunBackup(ctx context.Context, id snowflake.ID) (*domain.RunResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.BackupStatusQueued {
		return nil, domain.ErrInvalidTransition
	}

	startedAt := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkRunning(ctx, tx, id, startedAt)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidTransition
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupStarted,
			Status:    auditdomain.StatusInfo,
			RequestID: record.RequestID,
		})
	})
	if err != nil {
		return nil, err
	}
	defer s.releaseInFlight(ctx, record)
	s.refreshInFlight(ctx, record)

	record.Status = domain.BackupStatusRunning
	record.StartedAt = &startedAt

	result, err := s.runPipeline(ctx, record)
	elapsed := s.clock.Now().Sub(startedAt)
	if err != nil {
		s.failBackup(ctx, record, err)
		s.metrics.RecordBackup(ctx, string(domain.BackupStatusFailed), elapsed, 0)
		return nil, err
	}
	s.metrics.RecordBackup(ctx, string(domain.BackupStatusCompleted), elapsed, result.Record.SizeBytes)
	return result, nil
}

func (s *Service) runPipeline(ctx context.Context, record *domain.BackupRecord) (*domain.RunResult, error) {
	log := s.log.With(zap.String("backup_id", record.ID.String()))

	scratch, err := s.scratchDir("backup-" + record.ID.String())
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	payload := filepath.Join(scratch, payloadDirName)
	sections, err := s.runExporters(ctx, record.Tenant(), payload)
	if err != nil {
		return nil, err
	}

	tenantScope := s.scope.Resolve(record.OrgID, record.ProductID)
	files, err := s.copyScopedFiles(ctx, tenantScope, payload)
	if err != nil {
		return nil, fmt.Errorf("copy scoped files: %w", err)
	}

	manifest := domain.Manifest{
		BackupID:        record.ID.String(),
		OrganizationID:  int64(record.OrgID),
		ProductID:       int64(record.ProductID),
		CreatedAt:       record.StartedAt.UTC().Truncate(time.Second),
		Sections:        sections,
		Files:           files,
		ExcludePrefixes: tenantScope.Exclude,
	}
	manifestBody, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(payload, domain.ManifestFileName), manifestBody, 0o640); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(scratch, domain.ArchiveFileName)
	size, err := archive.Build(payload, archivePath, s.cfg.MaxArchiveBytes)
	if errors.Is(err, archive.ErrTooLarge) {
		return nil, fmt.Errorf("%w: limit %d bytes", domain.ErrArchiveTooLarge, s.cfg.MaxArchiveBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("build archive: %w", err)
	}
	checksum, err := archive.SHA256File(archivePath)
	if err != nil {
		return nil, err
	}

	dir := artifactDir(record)
	fields := domain.CompletedFields{
		ArchivePath:  dir + domain.ArchiveFileName,
		ManifestPath: dir + domain.ManifestFileName,
		ChecksumPath: dir + domain.ChecksumFileName,
		Checksum:     checksum,
		SizeBytes:    size,
	}
	uploaded, err := s.uploadArtifacts(ctx, archivePath, manifestBody, fields)
	if err != nil {
		s.deleteArtifacts(ctx, uploaded)
		return nil, fmt.Errorf("upload artifacts: %w", err)
	}

	token, hash, err := newDownloadToken()
	if err != nil {
		s.deleteArtifacts(ctx, uploaded)
		return nil, err
	}
	completedAt := s.clock.Now().UTC()
	fields.DownloadTokenHash = hash
	fields.CompletedAt = completedAt
	if s.cfg.TTL > 0 {
		expiresAt := completedAt.Add(s.cfg.TTL)
		fields.ExpiresAt = &expiresAt
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkCompleted(ctx, tx, record.ID, fields)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidTransition
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupCompleted,
			Status:    auditdomain.StatusSuccess,
			RequestID: record.RequestID,
			Metadata: map[string]any{
				"size_bytes":      size,
				"checksum":        checksum,
				"files":           len(files),
				"sections":        len(sections),
				"failed_sections": countFailed(sections),
			},
		})
	})
	if err != nil {
		s.deleteArtifacts(ctx, uploaded)
		return nil, err
	}

	completed, err := s.repo.FindByID(ctx, s.db, record.ID)
	if err != nil {
		return nil, err
	}
	log.Info("backup completed",
		zap.Int64("size_bytes", size),
		zap.Int("files", len(files)),
		zap.Int("failed_sections", countFailed(sections)),
	)
	return &domain.RunResult{Record: completed, DownloadToken: token}, nil
}

// runExporters gives every exporter its own directory under sections/. A
// failing or panicking exporter is recorded and the rest still run.
func (s *Service) runExporters(ctx context.Context, tenant domain.Tenant, payload string) ([]domain.SectionResult, error) {
	exporters := s.registry.Exporters()
	results := make([]domain.SectionResult, 0, len(exporters))
	used := make(map[string]int, len(exporters))

	for i, exporter := range exporters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := exporter.Name()
		dirName := slug.Make(name)
		if dirName == "" {
			dirName = fmt.Sprintf("section-%d", i)
		}
		if n := used[dirName]; n > 0 {
			dirName = fmt.Sprintf("%s-%d", dirName, n+1)
		}
		used[dirName]++

		rel := domain.SectionsDir + "/" + dirName
		dir := filepath.Join(payload, filepath.FromSlash(rel))
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}

		fragment, err := runExporter(ctx, exporter, tenant, dir)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("exporter failed",
				zap.String("exporter", name),
				zap.Int64("org_id", int64(tenant.OrgID)),
				zap.Int64("product_id", int64(tenant.ProductID)),
				zap.Error(err),
			)
			_ = os.RemoveAll(dir)
			results = append(results, domain.SectionResult{Exporter: name, Error: err.Error()})
			continue
		}
		if fragment == nil {
			fragment = &domain.Fragment{}
		}
		if fragment.Dir == "" {
			fragment.Dir = rel
		}
		results = append(results, domain.SectionResult{Exporter: name, Fragment: fragment})
	}
	return results, nil
}

func runExporter(ctx context.Context, exporter registry.Exporter, tenant domain.Tenant, dir string) (fragment *domain.Fragment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exporter panic: %v", r)
		}
	}()
	return exporter.Export(ctx, tenant, dir)
}

// copyScopedFiles copies every allowed object under the include prefixes into
// payload, keeping its storage path. The returned list is sorted.
func (s *Service) copyScopedFiles(ctx context.Context, tenantScope scope.Scope, payload string) ([]string, error) {
	seen := make(map[string]struct{})
	files := make([]string, 0)

	for _, prefix := range tenantScope.Include {
		err := storage.Walk(ctx, s.storage, prefix, func(name string) error {
			if _, dup := seen[name]; dup {
				return nil
			}
			if !tenantScope.Allows(name) {
				return nil
			}
			if name == domain.ManifestFileName || strings.HasPrefix(name, domain.SectionsDir+"/") {
				s.log.Warn("skipping file that collides with archive layout", zap.String("path", name))
				return nil
			}
			if err := s.copyObject(ctx, name, filepath.Join(payload, filepath.FromSlash(name))); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			seen[name] = struct{}{}
			files = append(files, name)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *Service) copyObject(ctx context.Context, name, target string) error {
	src, err := s.storage.Open(ctx, name)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// uploadArtifacts returns the names written so far, even on error.
func (s *Service) uploadArtifacts(ctx context.Context, archivePath string, manifest []byte, fields domain.CompletedFields) ([]string, error) {
	var uploaded []string

	f, err := os.Open(archivePath)
	if err != nil {
		return uploaded, err
	}
	err = s.storage.Save(ctx, fields.ArchivePath, f)
	f.Close()
	if err != nil {
		return uploaded, err
	}
	uploaded = append(uploaded, fields.ArchivePath)

	if err := s.storage.Save(ctx, fields.ManifestPath, strings.NewReader(string(manifest))); err != nil {
		return uploaded, err
	}
	uploaded = append(uploaded, fields.ManifestPath)

	if err := s.storage.Save(ctx, fields.ChecksumPath, strings.NewReader(fields.Checksum)); err != nil {
		return uploaded, err
	}
	uploaded = append(uploaded, fields.ChecksumPath)
	return uploaded, nil
}

func (s *Service) deleteArtifacts(ctx context.Context, names []string) {
	ctx = context.WithoutCancel(ctx)
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := s.storage.Delete(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("orphaned backup artifact", zap.String("path", name), zap.Error(err))
		}
	}
}

func (s *Service) failBackup(ctx context.Context, record *domain.BackupRecord, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now().UTC()
	message := cause.Error()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkFailed(ctx, tx, record.ID, message, now)
		if err != nil || !ok {
			return err
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Event{
			OrgID:     record.OrgID,
			ProductID: record.ProductID,
			BackupID:  record.ID,
			Action:    auditdomain.ActionBackupFailed,
			Status:    auditdomain.StatusFailure,
			RequestID: record.RequestID,
			Metadata:  map[string]any{"error": message},
		})
	})
	if err != nil {
		s.log.Error("failed to record backup failure",
			zap.String("backup_id", record.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("backup failed",
		zap.String("backup_id", record.ID.String()),
		zap.Int64("org_id", int64(record.OrgID)),
		zap.Error(cause),
	)
}

func (s *Service) releaseInFlight(ctx context.Context, record *domain.BackupRecord) {
	value, ok := s.inFlight.LoadAndDelete(record.ID)
	if !ok {
		return
	}
	lease, _ := value.(*ratelimit.Lease)
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("failed to release in-flight key", zap.String("backup_id", record.ID.String()), zap.Error(err))
	}
}

// refreshInFlight restarts the in-flight TTL so a backup that waited in the
// queue keeps its slot while it runs.
func (s *Service) refreshInFlight(ctx context.Context, record *domain.BackupRecord) {
	value, ok := s.inFlight.Load(record.ID)
	if !ok {
		return
	}
	lease, _ := value.(*ratelimit.Lease)
	if err := s.limiter.RefreshInFlight(ctx, lease); err != nil {
		s.log.Warn("failed to refresh in-flight key", zap.String("backup_id", record.ID.String()), zap.Error(err))
	}
}

// scratchDir creates a private working directory under the configured root.
func (s *Service) scratchDir(prefix string) (string, error) {
	if s.cfg.ScratchDir != "" {
		if err := os.MkdirAll(s.cfg.ScratchDir, 0o750); err != nil {
			return "", err
		}
	}
	return os.MkdirTemp(s.cfg.ScratchDir, prefix+"-")
}

func newDownloadToken() (string, string, error) {
	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return token, string(hash), nil
}

func countFailed(sections []domain.SectionResult) int {
	n := 0
	for _, section := range sections {
		if section.Failed() {
			n++
		}
	}
	return n
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
