package worker

import (
	"github.com/smallbiznis/tenantvault/internal/backup/service"
	"go.uber.org/fx"
)

// Module runs queued backups in this process.
var Module = fx.Module("backup.worker",
	fx.Provide(NewPool),
	fx.Invoke(func(s *service.Service, p *Pool) {
		s.SetDispatcher(p)
	}),
)
