package tables

import (
	"github.com/smallbiznis/tenantvault/internal/backup/registry"
	"go.uber.org/fx"
)

var Module = fx.Module("backup.plugins.tables",
	fx.Provide(Provide),
	fx.Provide(
		fx.Annotate(
			func(p *Plugin) registry.Exporter { return p },
			fx.ResultTags(`group:"backup_exporters"`),
		),
		fx.Annotate(
			func(p *Plugin) registry.Restorer { return p },
			fx.ResultTags(`group:"backup_restorers"`),
		),
	),
)
