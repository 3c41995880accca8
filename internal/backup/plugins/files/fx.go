package files

import (
	"github.com/smallbiznis/tenantvault/internal/backup/registry"
	"go.uber.org/fx"
)

var Module = fx.Module("backup.plugins.files",
	fx.Provide(
		fx.Annotate(
			New,
			fx.As(new(registry.Restorer)),
			fx.ResultTags(`group:"backup_restorers"`),
		),
	),
)
