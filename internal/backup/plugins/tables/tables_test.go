package tables

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const invoicesDDL = `CREATE TABLE invoices (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	product_id INTEGER NOT NULL,
	number TEXT NOT NULL,
	amount INTEGER NOT NULL
)`

var tenant = domain.Tenant{OrgID: 5, ProductID: 9}

func setup(t *testing.T) (*gorm.DB, *Plugin) {
	t.Helper()
	db := testkit.OpenDB(t, invoicesDDL)
	plugin, err := New(db, []string{"invoices", " invoices "}, zap.NewNop())
	require.NoError(t, err)
	return db, plugin
}

func countLines(t *testing.T, p string) int {
	t.Helper()
	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestNewRejectsUnsafeTableNames(t *testing.T) {
	_, err := New(nil, []string{"invoices; drop table x"}, zap.NewNop())
	require.ErrorIs(t, err, ErrInvalidTable)
}

func TestExportOnlyTenantRows(t *testing.T) {
	db, plugin := setup(t)
	require.NoError(t, db.Exec(`INSERT INTO invoices VALUES (1, 5, 9, 'INV-1', 100), (2, 5, 9, 'INV-2', 250), (3, 6, 9, 'X', 1), (4, 5, 8, 'Y', 1)`).Error)

	dir := t.TempDir()
	fragment, err := plugin.Export(context.Background(), tenant, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices.jsonl"}, fragment.Files)
	assert.Equal(t, 2, fragment.Records)
	assert.Equal(t, 2, countLines(t, filepath.Join(dir, "invoices.jsonl")))
}

func TestRestoreUpsertsByID(t *testing.T) {
	db, plugin := setup(t)
	ctx := context.Background()
	require.NoError(t, db.Exec(`INSERT INTO invoices VALUES (1, 5, 9, 'INV-1', 100), (2, 5, 9, 'INV-2', 250)`).Error)

	root := t.TempDir()
	sectionDir := filepath.Join(root, "sections", "tables")
	require.NoError(t, os.MkdirAll(sectionDir, 0o750))
	fragment, err := plugin.Export(ctx, tenant, sectionDir)
	require.NoError(t, err)
	fragment.Dir = "sections/tables"
	manifest := domain.Manifest{
		BackupID:       "1",
		OrganizationID: 5,
		ProductID:      9,
		Sections:       []domain.SectionResult{{Exporter: Name, Fragment: fragment}},
	}

	require.NoError(t, db.Exec(`DELETE FROM invoices WHERE id = 1`).Error)
	require.NoError(t, db.Exec(`UPDATE invoices SET amount = 1 WHERE id = 2`).Error)

	for i := 0; i < 2; i++ {
		require.NoError(t, plugin.Restore(ctx, tenant, root, manifest))
	}

	var amounts []int64
	require.NoError(t, db.Raw(`SELECT amount FROM invoices ORDER BY id`).Scan(&amounts).Error)
	assert.Equal(t, []int64{100, 250}, amounts)
}

func TestRestoreRejectsForeignRows(t *testing.T) {
	db, plugin := setup(t)
	root := t.TempDir()
	sectionDir := filepath.Join(root, "sections", "tables")
	require.NoError(t, os.MkdirAll(sectionDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(sectionDir, "invoices.jsonl"),
		[]byte(`{"id":1,"org_id":5,"product_id":9,"number":"A","amount":1}`+"\n"+
			`{"id":2,"org_id":6,"product_id":9,"number":"B","amount":2}`+"\n"), 0o640))

	manifest := domain.Manifest{Sections: []domain.SectionResult{{
		Exporter: Name,
		Fragment: &domain.Fragment{Dir: "sections/tables", Files: []string{"invoices.jsonl"}},
	}}}
	err := plugin.Restore(context.Background(), tenant, root, manifest)
	require.ErrorIs(t, err, ErrForeignTenant)

	var n int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM invoices`).Scan(&n).Error)
	assert.Zero(t, n, "restore is all or nothing")
}

func TestRestoreSkipsFailedSection(t *testing.T) {
	_, plugin := setup(t)
	manifest := domain.Manifest{Sections: []domain.SectionResult{{Exporter: Name, Error: "boom"}}}
	require.NoError(t, plugin.Restore(context.Background(), tenant, t.TempDir(), manifest))
}

const attachmentsDDL = `CREATE TABLE attachments (
	id INTEGER PRIMARY KEY,
	org_id INTEGER NOT NULL,
	product_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	payload BLOB
)`

func TestBinaryColumnsRoundTrip(t *testing.T) {
	db := testkit.OpenDB(t, attachmentsDDL)
	plugin, err := New(db, []string{"attachments"}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte{0xff, 0x00, 0xfe, 'a', 0x80}
	require.NoError(t, db.Exec(`INSERT INTO attachments VALUES (1, 5, 9, ?, ?)`, "logo.png", payload).Error)

	root := t.TempDir()
	sectionDir := filepath.Join(root, "sections", "tables")
	require.NoError(t, os.MkdirAll(sectionDir, 0o750))
	fragment, err := plugin.Export(ctx, tenant, sectionDir)
	require.NoError(t, err)
	fragment.Dir = "sections/tables"

	raw, err := os.ReadFile(filepath.Join(sectionDir, "attachments.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), bytesKey)

	require.NoError(t, db.Exec(`DELETE FROM attachments`).Error)
	manifest := domain.Manifest{Sections: []domain.SectionResult{{Exporter: Name, Fragment: fragment}}}
	require.NoError(t, plugin.Restore(ctx, tenant, root, manifest))

	var got []byte
	require.NoError(t, db.Raw(`SELECT payload FROM attachments WHERE id = 1`).Row().Scan(&got))
	assert.Equal(t, payload, got)
}

func TestNormalizeBinaryMarker(t *testing.T) {
	row := map[string]any{
		"payload": map[string]any{bytesKey: "/wD+"},
		"meta":    map[string]any{bytesKey: "AA==", "other": 1},
	}
	require.NoError(t, normalize(row))
	assert.Equal(t, []byte{0xff, 0x00, 0xfe}, row["payload"])
	assert.IsType(t, map[string]any{}, row["meta"])

	assert.Equal(t, "plain", encodeBytes([]byte("plain")))

	err := normalize(map[string]any{"payload": map[string]any{bytesKey: "%%%"}})
	assert.Error(t, err)
}
