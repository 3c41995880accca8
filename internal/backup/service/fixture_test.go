package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditrepo "github.com/smallbiznis/tenantvault/internal/audit/repository"
	auditservice "github.com/smallbiznis/tenantvault/internal/audit/service"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/plugins/files"
	"github.com/smallbiznis/tenantvault/internal/backup/plugins/tables"
	"github.com/smallbiznis/tenantvault/internal/backup/registry"
	"github.com/smallbiznis/tenantvault/internal/backup/repository"
	"github.com/smallbiznis/tenantvault/internal/backup/scope"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/retention"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	"github.com/smallbiznis/tenantvault/internal/storage"
	"github.com/smallbiznis/tenantvault/internal/testkit"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

var tenantA = domain.Tenant{OrgID: 101, ProductID: 7}

const notesDDL = `CREATE TABLE notes (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	product_id INTEGER NOT NULL,
	body TEXT NOT NULL
)`

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	store    *storage.Local
	registry *registry.Registry
	repo     domain.Repository
	accel    *testkit.TimeAccelerator
	scratch  string
	svc      *Service
}

type fixtureOption func(*config.Config, *config.RetentionSettings)

func withMaxArchiveBytes(n int64) fixtureOption {
	return func(cfg *config.Config, _ *config.RetentionSettings) { cfg.Backup.MaxArchiveBytes = n }
}

func withTTL(d time.Duration) fixtureOption {
	return func(cfg *config.Config, _ *config.RetentionSettings) { cfg.Backup.TTL = d }
}

func withRetention(o retention.Override) fixtureOption {
	return func(_ *config.Config, s *config.RetentionSettings) { s.Default = o }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ddl := append(append([]string{}, testkit.AllTables...), notesDDL)
	db := testkit.OpenDB(t, ddl...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	cfg := config.Config{Backup: config.BackupConfig{
		ScratchDir:      t.TempDir(),
		MaxArchiveBytes: 16 << 20,
		MaxExtractBytes: 64 << 20,
		StuckAfter:      2 * time.Hour,
		Tables:          []string{"notes"},
	}}
	settings := config.RetentionSettings{}
	for _, opt := range opts {
		opt(&cfg, &settings)
	}

	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	resolver := scope.NewResolver(nil, nil)

	tablesPlugin, err := tables.New(db, cfg.Backup.Tables, log)
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.RegisterExporter(tablesPlugin))
	require.NoError(t, reg.RegisterRestorer(tablesPlugin))
	require.NoError(t, reg.RegisterRestorer(files.New(store, resolver, log)))

	policies := retentionpolicy.NewResolver(retentionpolicy.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Repo:   retentionpolicy.ProvideRepository(),
		Holder: config.NewStaticRetentionPolicyHolder(settings),
		Clock:  fake,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: fake,
	})
	repo := repository.Provide()

	svc := NewService(Params{
		DB:       db,
		Log:      log,
		Cfg:      cfg,
		GenID:    node,
		Repo:     repo,
		Registry: reg,
		Scope:    resolver,
		Storage:  store,
		Policies: policies,
		Audit:    audit,
		Clock:    fake,
	})
	return &fixture{
		db:       db,
		clock:    fake,
		store:    store,
		registry: reg,
		repo:     repo,
		accel:    testkit.NewTimeAccelerator(db),
		scratch:  cfg.Backup.ScratchDir,
		svc:      svc,
	}
}

func (f *fixture) put(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), name, strings.NewReader(body)))
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	rc, err := f.store.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(body)
}

func (f *fixture) insertNote(t *testing.T, id int64, tenant domain.Tenant, body string) {
	t.Helper()
	require.NoError(t, f.db.Exec(
		`INSERT INTO notes (id, org_id, product_id, body) VALUES (?, ?, ?, ?)`,
		id, tenant.OrgID, tenant.ProductID, body,
	).Error)
}

func (f *fixture) noteBodies(t *testing.T, tenant domain.Tenant) []string {
	t.Helper()
	var bodies []string
	require.NoError(t, f.db.Raw(
		`SELECT body FROM notes WHERE org_id = ? AND product_id = ? ORDER BY id`,
		tenant.OrgID, tenant.ProductID,
	).Scan(&bodies).Error)
	return bodies
}

// backup requests and runs a backup for tenant.
func (f *fixture) backup(t *testing.T, tenant domain.Tenant) *domain.RunResult {
	t.Helper()
	ctx := context.Background()
	record, err := f.svc.RequestBackup(ctx, tenant, "user-1")
	require.NoError(t, err)
	result, err := f.svc.RunBackup(ctx, record.ID)
	require.NoError(t, err)
	return result
}

func (f *fixture) auditCount(t *testing.T, backupID snowflake.ID, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(
		`SELECT COUNT(1) FROM backup_audit_logs WHERE backup_id = ? AND action = ?`,
		backupID, action,
	).Scan(&n).Error)
	return n
}

// recordingRestorer counts how often it was invoked.
type recordingRestorer struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingRestorer) Name() string { return "recording" }

func (r *recordingRestorer) Restore(ctx context.Context, tenant domain.Tenant, extractedDir string, manifest domain.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *recordingRestorer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type failingRestorer struct {
	err error
}

func (r failingRestorer) Name() string { return "failing" }

func (r failingRestorer) Restore(ctx context.Context, tenant domain.Tenant, extractedDir string, manifest domain.Manifest) error {
	return r.err
}
