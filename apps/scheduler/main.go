package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/internal/audit"
	"github.com/sunpool/sunpool/internal/billing"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/events"
	"github.com/sunpool/sunpool/internal/expiration"
	"github.com/sunpool/sunpool/internal/ledger"
	"github.com/sunpool/sunpool/internal/locks"
	"github.com/sunpool/sunpool/internal/logger"
	"github.com/sunpool/sunpool/internal/migration"
	"github.com/sunpool/sunpool/internal/observability"
	"github.com/sunpool/sunpool/internal/scheduler"
	"github.com/sunpool/sunpool/internal/subscriber"
	"github.com/sunpool/sunpool/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locks.Module,
		migration.Module,

		// Domain services the jobs draw on. No HTTP server here.
		events.Module,
		audit.Module,
		subscriber.Module,
		ledger.Module,
		expiration.Module,
		billing.Module,

		scheduler.Module,
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
