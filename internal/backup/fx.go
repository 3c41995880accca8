package backup

import (
	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"github.com/smallbiznis/tenantvault/internal/backup/plugins/files"
	"github.com/smallbiznis/tenantvault/internal/backup/plugins/tables"
	"github.com/smallbiznis/tenantvault/internal/backup/registry"
	"github.com/smallbiznis/tenantvault/internal/backup/repository"
	"github.com/smallbiznis/tenantvault/internal/backup/scope"
	"github.com/smallbiznis/tenantvault/internal/backup/service"
	"go.uber.org/fx"
)

// Module provides the backup services without a worker pool. Batch-only
// processes use it as is.
var Module = fx.Module("backup.service",
	tables.Module,
	files.Module,
	fx.Provide(registry.Provide),
	fx.Provide(scope.ProvideResolver),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) domain.Maintenance { return s },
	),
)
