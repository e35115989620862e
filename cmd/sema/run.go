package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/runtime"
)

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunBotCmd() *cobra.Command {
	var configPath, host string
	var port int
	var botID string

	cmd := &cobra.Command{
		Use:   "run-bot",
		Short: "Run one bot's pipeline",
		Long: "Hosts a single bot: ingress, update worker, run worker and the HTTP surface " +
			"(embedded mode), or workers only (gateway mode).",
		RunE: func(cmd *cobra.Command, args []string) error {
			global := config.GlobalFromEnv()
			bots, err := config.LoadBots(configPath, global, true)
			if err != nil {
				return err
			}
			var selected *config.Bot
			for i := range bots {
				if bots[i].BotID == botID {
					selected = &bots[i]
					break
				}
			}
			if selected == nil {
				return fmt.Errorf("bot not found: %s", botID)
			}

			ctx, cancel := signalContext()
			defer cancel()

			if selected.Mode == config.ModeEmbedded {
				return runtime.RunEmbedded(ctx, *selected, global, host, port, cmd.OutOrStdout())
			}
			return runtime.RunWorkersOnly(ctx, *selected, global, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config/bots.yaml", "path to bots config file")
	cmd.Flags().StringVar(&botID, "bot-id", "", "bot id to run (required)")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "embedded HTTP host")
	cmd.Flags().IntVar(&port, "port", 8600, "embedded HTTP port")
	cmd.MarkFlagRequired("bot-id")
	return cmd
}

func newRunGatewayCmd() *cobra.Command {
	var configPath, host string
	var port int

	cmd := &cobra.Command{
		Use:   "run-gateway",
		Short: "Run the shared ingress gateway",
		Long:  "Hosts webhook ingress and the metrics surface for every gateway-mode bot; workers run in separate processes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			global := config.GlobalFromEnv()
			bots, err := config.LoadBots(configPath, global, true)
			if err != nil {
				return err
			}
			var gatewayBots []config.Bot
			for _, bot := range bots {
				if bot.Mode == config.ModeGateway {
					gatewayBots = append(gatewayBots, bot)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runtime.RunGateway(ctx, gatewayBots, global, host, port, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config/bots.yaml", "path to bots config file")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "gateway HTTP host")
	cmd.Flags().IntVar(&port, "port", 4312, "gateway HTTP port")
	return cmd
}
