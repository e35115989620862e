package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/db"
	"github.com/zulandar/semaphore/internal/store"
)

func newStatusCmd() *cobra.Command {
	var dsn, botID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print queue and counter metrics",
		Long:  "Reads the metrics readout straight from the database: raw counters plus jobs-by-status for both queues.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = config.GlobalFromEnv().DatabaseDSN
			}
			gormDB, err := db.Connect(dsn)
			if err != nil {
				return err
			}
			readout, err := store.New(gormDB).Metrics(botID)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(readout, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (defaults to DATABASE_URL)")
	cmd.Flags().StringVar(&botID, "bot-id", "", "limit to one bot (default: all)")
	return cmd
}
