// Package tables snapshots tenant rows of configured SQL tables to JSON lines
// and restores them as upserts keyed by id.
package tables

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/pkg/rls"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	Name = "tables"

	fileSuffix = ".jsonl"

	// bytesKey marks a binary column value stored as base64.
	bytesKey = "$bytes"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var (
	ErrInvalidTable   = errors.New("tables_invalid_table")
	ErrForeignTenant  = errors.New("tables_foreign_tenant_row")
	ErrMissingPrimary = errors.New("tables_missing_id")
)

// Plugin is both the exporter and the restorer for the tables section.
type Plugin struct {
	db     *gorm.DB
	log    *zap.Logger
	tables []string
}

func Provide(db *gorm.DB, cfg config.Config, log *zap.Logger) (*Plugin, error) {
	return New(db, cfg.Backup.Tables, log)
}

func New(db *gorm.DB, tables []string, log *zap.Logger) (*Plugin, error) {
	seen := make(map[string]struct{}, len(tables))
	out := make([]string, 0, len(tables))
	for _, table := range tables {
		table = strings.ToLower(strings.TrimSpace(table))
		if !tableNamePattern.MatchString(table) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
		}
		if _, dup := seen[table]; dup {
			continue
		}
		seen[table] = struct{}{}
		out = append(out, table)
	}
	return &Plugin{db: db, log: log.Named("backup.tables"), tables: out}, nil
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Export(ctx context.Context, tenant domain.Tenant, outputDir string) (*domain.Fragment, error) {
	fragment := &domain.Fragment{Meta: map[string]any{}}
	counts := make(map[string]int, len(p.tables))

	for _, table := range p.tables {
		n, err := p.exportTable(ctx, tenant, table, filepath.Join(outputDir, table+fileSuffix))
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", table, err)
		}
		fragment.Files = append(fragment.Files, table+fileSuffix)
		fragment.Records += n
		counts[table] = n
	}
	fragment.Meta["rows"] = counts
	return fragment, nil
}

func (p *Plugin) exportTable(ctx context.Context, tenant domain.Tenant, table, target string) (int, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	rows, err := p.db.WithContext(ctx).
		Table(table).
		Where("org_id = ? AND product_id = ?", tenant.OrgID, tenant.ProductID).
		Order("id").
		Rows()
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		row := map[string]any{}
		if err := p.db.ScanRows(rows, &row); err != nil {
			return n, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = encodeBytes(b)
			}
		}
		if err := enc.Encode(row); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	if err := w.Flush(); err != nil {
		return n, err
	}
	return n, f.Sync()
}

// Restore replays every configured table found in the section. Rows that
// name another tenant abort the restore before anything is written.
func (p *Plugin) Restore(ctx context.Context, tenant domain.Tenant, extractedDir string, manifest domain.Manifest) error {
	section, ok := manifest.Section(Name)
	if !ok || section.Fragment == nil {
		return nil
	}
	if section.Failed() {
		p.log.Warn("tables section failed at backup time, nothing to restore",
			zap.String("backup_id", manifest.BackupID),
			zap.String("error", section.Error),
		)
		return nil
	}

	dir := filepath.Join(extractedDir, filepath.FromSlash(section.Fragment.Dir))
	allowed := make(map[string]struct{}, len(p.tables))
	for _, table := range p.tables {
		allowed[table] = struct{}{}
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithTenant(tx, tenant.OrgID, tenant.ProductID); err != nil {
			return err
		}
		for _, file := range section.Fragment.Files {
			table := strings.TrimSuffix(file, fileSuffix)
			if _, ok := allowed[table]; !ok || table == file {
				p.log.Warn("skipping unknown table in archive", zap.String("file", file))
				continue
			}
			if err := p.restoreTable(ctx, tx, tenant, table, filepath.Join(dir, file)); err != nil {
				return fmt.Errorf("restore %s: %w", table, err)
			}
		}
		return nil
	})
}

func (p *Plugin) restoreTable(ctx context.Context, tx *gorm.DB, tenant domain.Tenant, table, source string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	dec.UseNumber()

	for {
		row := map[string]any{}
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := normalize(row); err != nil {
			return err
		}
		if err := checkTenant(row, tenant); err != nil {
			return err
		}
		if err := upsert(ctx, tx, table, row); err != nil {
			return err
		}
	}
}

func upsert(ctx context.Context, tx *gorm.DB, table string, row map[string]any) error {
	columns := make([]string, 0, len(row))
	for k := range row {
		if k != "id" {
			columns = append(columns, k)
		}
	}
	sort.Strings(columns)

	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: "id"}}}
	if len(columns) > 0 {
		onConflict.DoUpdates = clause.AssignmentColumns(columns)
	} else {
		onConflict.DoNothing = true
	}
	return tx.WithContext(ctx).Table(table).Clauses(onConflict).Create(row).Error
}

func checkTenant(row map[string]any, tenant domain.Tenant) error {
	if _, ok := row["id"]; !ok {
		return ErrMissingPrimary
	}
	org, _ := row["org_id"].(int64)
	product, _ := row["product_id"].(int64)
	if org != int64(tenant.OrgID) || product != int64(tenant.ProductID) {
		return fmt.Errorf("%w: org %v product %v", ErrForeignTenant, row["org_id"], row["product_id"])
	}
	return nil
}

// encodeBytes keeps text columns readable and wraps anything that is not
// valid UTF-8 as {"$bytes": "<base64>"}.
func encodeBytes(b []byte) any {
	if utf8.Valid(b) {
		return string(b)
	}
	return map[string]string{bytesKey: base64.StdEncoding.EncodeToString(b)}
}

// normalize turns decoded json.Number values back into integers where
// possible and unwraps binary values.
func normalize(row map[string]any) error {
	for k, v := range row {
		switch typed := v.(type) {
		case json.Number:
			if i, err := typed.Int64(); err == nil {
				row[k] = i
				continue
			}
			if f, err := typed.Float64(); err == nil {
				row[k] = f
			}
		case map[string]any:
			encoded, ok := typed[bytesKey].(string)
			if !ok || len(typed) != 1 {
				continue
			}
			b, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("column %s: %w", k, err)
			}
			row[k] = b
		}
	}
	return nil
}
