package main

import (
	"fmt"

	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/migration"
	"github.com/smallbiznis/curlara/internal/observability"
	"github.com/smallbiznis/curlara/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply the embedded postgres migrations.

The profile and access tables are only created when missing, so a database
that already owns them is left as is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				conn *gorm.DB
				cfg  config.Config
			)
			app := fx.New(
				fx.NopLogger,
				config.Module,
				observability.Module,
				db.Module,
				fx.Populate(&conn, &cfg),
			)
			ctx := cmd.Context()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Stop(ctx)

			if cfg.DBType != "postgres" {
				return fmt.Errorf("migrations require postgres, got %q", cfg.DBType)
			}
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}

			if !statusOnly {
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
			}
			version, dirty, err := migration.Version(sqlDB)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "print the applied version without migrating")
	return cmd
}
