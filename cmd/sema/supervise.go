package main

import (
	"github.com/spf13/cobra"
	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/supervisor"
)

func newSupervisorCmd() *cobra.Command {
	var configPath, embeddedHost, gatewayHost string
	var embeddedBasePort, gatewayPort int

	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Supervise one process per configured bot",
		Long: "Spawns and restarts child processes: one embedded runtime per embedded bot, " +
			"one gateway plus worker-only processes for gateway bots.",
		RunE: func(cmd *cobra.Command, args []string) error {
			global := config.GlobalFromEnv()
			sup, err := supervisor.New(supervisor.Opts{
				ConfigPath:       configPath,
				Global:           global,
				EmbeddedHost:     embeddedHost,
				EmbeddedBasePort: embeddedBasePort,
				GatewayHost:      gatewayHost,
				GatewayPort:      gatewayPort,
				Out:              cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return sup.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config/bots.yaml", "path to bots config file")
	cmd.Flags().StringVar(&embeddedHost, "embedded-host", "127.0.0.1", "host for embedded bot HTTP surfaces")
	cmd.Flags().IntVar(&embeddedBasePort, "embedded-base-port", 8600, "first port for embedded bots")
	cmd.Flags().StringVar(&gatewayHost, "gateway-host", "0.0.0.0", "gateway HTTP host")
	cmd.Flags().IntVar(&gatewayPort, "gateway-port", 4312, "gateway HTTP port")
	return cmd
}
