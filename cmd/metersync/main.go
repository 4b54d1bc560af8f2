package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metersync/internal/adjustment"
	"github.com/smallbiznis/metersync/internal/aggregator"
	"github.com/smallbiznis/metersync/internal/alert"
	"github.com/smallbiznis/metersync/internal/audit"
	"github.com/smallbiznis/metersync/internal/cache"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	"github.com/smallbiznis/metersync/internal/counter"
	"github.com/smallbiznis/metersync/internal/mapping"
	"github.com/smallbiznis/metersync/internal/migration"
	"github.com/smallbiznis/metersync/internal/observability"
	"github.com/smallbiznis/metersync/internal/providers/stripe"
	"github.com/smallbiznis/metersync/internal/queue"
	"github.com/smallbiznis/metersync/internal/ratelimit"
	"github.com/smallbiznis/metersync/internal/reconciler"
	"github.com/smallbiznis/metersync/internal/runner"
	"github.com/smallbiznis/metersync/internal/usage"
	"github.com/smallbiznis/metersync/internal/writer"
	"github.com/smallbiznis/metersync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		clock.Module,
		migration.Module,

		// Substrate shared by the workers
		queue.Module,
		ratelimit.Module,
		stripe.Module,
		alert.Module,
		audit.Module,

		// Metering core
		counter.Module,
		mapping.Module,
		usage.Module,
		adjustment.Module,
		aggregator.Module,

		// Delivery and verification
		writer.Module,
		reconciler.Module,

		// Periodic job loops (writer sweep, reconcile) + queue consumer
		runner.Module,
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
