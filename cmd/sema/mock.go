package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/semaphore/internal/mockgram"
)

func newMockCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run the mock Telegram platform",
		Long: "Serves an offline Bot API stand-in: point TELEGRAM_API_BASE_URL at it, inject " +
			"updates via POST /mock/inject/<token>, and read outbound messages via GET /mock/messages/<token>.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return mockgram.NewServer().Serve(ctx, fmt.Sprintf("%s:%d", host, port), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "mock HTTP host")
	cmd.Flags().IntVar(&port, "port", 8081, "mock HTTP port")
	return cmd
}
