package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = config.GlobalFromEnv().DatabaseDSN
			}
			gormDB, err := db.Connect(dsn)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (defaults to DATABASE_URL)")
	return cmd
}
