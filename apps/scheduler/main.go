package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/audit"
	"github.com/smallbiznis/tenantvault/internal/backup"
	"github.com/smallbiznis/tenantvault/internal/backup/worker"
	"github.com/smallbiznis/tenantvault/internal/capacity"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/observability"
	"github.com/smallbiznis/tenantvault/internal/ratelimit"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	"github.com/smallbiznis/tenantvault/internal/scheduler"
	"github.com/smallbiznis/tenantvault/internal/storage"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle"
	"github.com/smallbiznis/tenantvault/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		storage.Module,
		ratelimit.Module,

		audit.Module,
		retentionpolicy.Module,
		tenantlifecycle.Module,
		backup.Module,
		// Picks up backups the API queued but could not run.
		worker.Module,

		// No server module!
		scheduler.Module,
		capacity.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
