package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/tenantvault/internal/audit/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreRoundTripIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insertNote(t, 1, tenantA, "first")
	f.insertNote(t, 2, tenantA, "second")
	f.put(t, "critical/org_101/product_7/docs/a.txt", "alpha")
	f.put(t, "critical/org_101/product_7/cache/tmp.bin", "cached")

	result := f.backup(t, tenantA)

	// Damage the live data after the snapshot.
	require.NoError(t, f.db.Exec(`DELETE FROM notes WHERE id = 1`).Error)
	require.NoError(t, f.db.Exec(`UPDATE notes SET body = 'edited' WHERE id = 2`).Error)
	require.NoError(t, f.store.Delete(ctx, "critical/org_101/product_7/docs/a.txt"))
	f.put(t, "critical/org_101/product_7/cache/tmp.bin", "recached")

	require.NoError(t, f.svc.Restore(ctx, result.Record.ID))
	assert.Equal(t, []string{"first", "second"}, f.noteBodies(t, tenantA))
	assert.Equal(t, "alpha", f.read(t, "critical/org_101/product_7/docs/a.txt"))
	// Excluded paths are neither captured nor touched.
	assert.Equal(t, "recached", f.read(t, "critical/org_101/product_7/cache/tmp.bin"))

	require.NoError(t, f.svc.Restore(ctx, result.Record.ID))
	assert.Equal(t, []string{"first", "second"}, f.noteBodies(t, tenantA))

	assert.EqualValues(t, 2, f.auditCount(t, result.Record.ID, auditdomain.ActionRestoreStarted))
	assert.EqualValues(t, 2, f.auditCount(t, result.Record.ID, auditdomain.ActionRestoreCompleted))
}

func TestRestoreRejectsTamperedArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recorder := &recordingRestorer{}
	require.NoError(t, f.registry.RegisterRestorer(recorder))

	f.insertNote(t, 1, tenantA, "original")
	result := f.backup(t, tenantA)

	require.NoError(t, f.store.Save(ctx, result.Record.ArchivePath, strings.NewReader("not the archive")))
	require.NoError(t, f.db.Exec(`UPDATE notes SET body = 'live' WHERE id = 1`).Error)

	err := f.svc.Restore(ctx, result.Record.ID)
	require.ErrorIs(t, err, domain.ErrChecksumMismatch)
	assert.Zero(t, recorder.Calls())
	assert.Equal(t, []string{"live"}, f.noteBodies(t, tenantA))
	assert.EqualValues(t, 1, f.auditCount(t, result.Record.ID, auditdomain.ActionRestoreFailed))
}

func TestRestoreRejectsArchiveOfAnotherTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recorder := &recordingRestorer{}
	require.NoError(t, f.registry.RegisterRestorer(recorder))

	other := domain.Tenant{OrgID: 202, ProductID: 7}
	f.insertNote(t, 1, tenantA, "mine")
	f.insertNote(t, 2, other, "theirs")
	mine := f.backup(t, tenantA)
	theirs := f.backup(t, other)

	// Point our record at the other tenant's archive with a matching checksum.
	body := f.read(t, theirs.Record.ArchivePath)
	require.NoError(t, f.store.Save(ctx, mine.Record.ArchivePath, strings.NewReader(body)))
	require.NoError(t, f.db.Exec(
		`UPDATE backup_records SET checksum = ? WHERE id = ?`,
		theirs.Record.Checksum, mine.Record.ID,
	).Error)

	err := f.svc.Restore(ctx, mine.Record.ID)
	require.ErrorIs(t, err, domain.ErrManifestMismatch)
	assert.Zero(t, recorder.Calls())
}

func TestRestoreStopsAtFirstFailingRestorer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")
	recorder := &recordingRestorer{}
	require.NoError(t, f.registry.RegisterRestorer(failingRestorer{err: boom}))
	require.NoError(t, f.registry.RegisterRestorer(recorder))

	f.insertNote(t, 1, tenantA, "first")
	result := f.backup(t, tenantA)

	err := f.svc.Restore(ctx, result.Record.ID)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "restorer failing")
	assert.Zero(t, recorder.Calls())
	assert.EqualValues(t, 1, f.auditCount(t, result.Record.ID, auditdomain.ActionRestoreFailed))
	assert.Zero(t, f.auditCount(t, result.Record.ID, auditdomain.ActionRestoreCompleted))

	entries, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreRequiresRestorableStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.svc.RequestBackup(ctx, tenantA, "")
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.Restore(ctx, record.ID), domain.ErrNotRestorable)

	require.ErrorIs(t, f.svc.Restore(ctx, 999), domain.ErrNotFound)
}

func TestRestoreFromExpiredBackup(t *testing.T) {
	f := newFixture(t, withTTL(time.Hour))
	ctx := context.Background()
	f.insertNote(t, 1, tenantA, "first")
	result := f.backup(t, tenantA)

	f.clock.Advance(2 * time.Hour)
	expired, err := f.svc.ExpireBackups(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	require.NoError(t, f.db.Exec(`DELETE FROM notes`).Error)
	require.NoError(t, f.svc.Restore(ctx, result.Record.ID))
	assert.Equal(t, []string{"first"}, f.noteBodies(t, tenantA))
	assert.NotEmpty(t, f.read(t, result.Record.ArchivePath))
}
