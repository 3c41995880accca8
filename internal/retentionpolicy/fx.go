package retentionpolicy

import "go.uber.org/fx"

var Module = fx.Module("retentionpolicy",
	fx.Provide(ProvideRepository),
	fx.Provide(NewResolver),
)
