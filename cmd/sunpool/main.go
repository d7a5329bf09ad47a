package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/sunpool/sunpool/internal/clock"
	"github.com/sunpool/sunpool/internal/config"
	"github.com/sunpool/sunpool/internal/locks"
	"github.com/sunpool/sunpool/internal/logger"
	"github.com/sunpool/sunpool/internal/migration"
	"github.com/sunpool/sunpool/internal/observability"
	"github.com/sunpool/sunpool/internal/scheduler"
	"github.com/sunpool/sunpool/internal/server"
	"github.com/sunpool/sunpool/pkg/db"
	"github.com/sunpool/sunpool/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locks.Module,
		migration.Module,

		server.Module,
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
