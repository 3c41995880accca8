package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/audit"
	"github.com/smallbiznis/tenantvault/internal/authorization"
	"github.com/smallbiznis/tenantvault/internal/backup"
	"github.com/smallbiznis/tenantvault/internal/backup/worker"
	"github.com/smallbiznis/tenantvault/internal/clock"
	"github.com/smallbiznis/tenantvault/internal/config"
	"github.com/smallbiznis/tenantvault/internal/migration"
	"github.com/smallbiznis/tenantvault/internal/observability"
	"github.com/smallbiznis/tenantvault/internal/ratelimit"
	"github.com/smallbiznis/tenantvault/internal/retentionpolicy"
	"github.com/smallbiznis/tenantvault/internal/server"
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
		migration.Module,
		clock.Module,
		storage.Module,
		ratelimit.Module,

		audit.Module,
		authorization.Module,
		retentionpolicy.Module,
		tenantlifecycle.Module,
		backup.Module,
		worker.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
