package tenantlifecycle

import (
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/gate"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/repository"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenantlifecycle.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.NewExpiryReader),
	fx.Provide(service.NewService),
	fx.Provide(gate.New),
)
