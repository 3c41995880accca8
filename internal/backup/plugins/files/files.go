// Package files restores the scoped tenant files carried at the archive root.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/scope"
	"github.com/smallbiznis/tenantvault/internal/storage"
	"go.uber.org/zap"
)

const Name = "scoped_files"

// Restorer writes every manifest file back to its original storage path.
// Saving replaces the object, so a repeated restore converges.
type Restorer struct {
	storage storage.Storage
	scope   *scope.Resolver
	log     *zap.Logger
}

func New(s storage.Storage, resolver *scope.Resolver, log *zap.Logger) *Restorer {
	return &Restorer{storage: s, scope: resolver, log: log.Named("backup.files")}
}

func (r *Restorer) Name() string { return Name }

func (r *Restorer) Restore(ctx context.Context, tenant domain.Tenant, extractedDir string, manifest domain.Manifest) error {
	tenantScope := r.scope.Resolve(tenant.OrgID, tenant.ProductID)
	restored := 0
	for _, name := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		cleaned, err := storage.CleanPath(name)
		if err != nil || cleaned != name || !tenantScope.Allows(name) {
			r.log.Warn("skipping file outside tenant scope",
				zap.String("backup_id", manifest.BackupID),
				zap.String("path", name),
			)
			continue
		}
		if err := r.restoreFile(ctx, filepath.Join(extractedDir, filepath.FromSlash(name)), name); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		restored++
	}
	r.log.Debug("scoped files restored",
		zap.String("backup_id", manifest.BackupID),
		zap.Int("files", restored),
	)
	return nil
}

func (r *Restorer) restoreFile(ctx context.Context, source, name string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.storage.Save(ctx, name, f)
}
