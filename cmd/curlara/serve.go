package main

import (
	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/migration"
	"github.com/smallbiznis/curlara/internal/observability"
	"github.com/smallbiznis/curlara/internal/server"
	"github.com/smallbiznis/curlara/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, payment and gated HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				observability.Module,
				fx.Provide(RegisterSnowflake),
				db.Module,
				clock.Module,
				migration.Module,
				server.Module,
			)
			app.Run()
			return app.Err()
		},
	}
}
