package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/danmuck/ymsgd/internal/config"
	"github.com/danmuck/ymsgd/internal/events"
	"github.com/danmuck/ymsgd/internal/logging"
	"github.com/danmuck/ymsgd/internal/server"
	"github.com/danmuck/ymsgd/internal/ymsg"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the YMSG gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			logger := logging.Component("ymsgd")

			cfg := config.DefaultConfig()
			if path != "" {
				loaded, err := config.Load(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			bus := events.NewBus(logging.Component("events"))
			defer bus.Close()

			reg, err := ymsg.NewRegistry()
			if err != nil {
				return err
			}
			svc, err := server.NewService(cfg, server.Dependencies{
				Registry:  reg,
				CloseHook: ymsg.CloseHook(bus),
				Bus:       bus,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().
				Str("node", cfg.Node).
				Str("listen_addr", cfg.ListenAddr).
				Str("admin_addr", cfg.AdminAddr).
				Str("version", server.Version).
				Msg("ymsgd_starting")
			if err := svc.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("ymsgd_stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "path to config.toml (defaults when empty)")
	return cmd
}
