package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/infrastructure/config"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/server"
)

func newServeCmd() *cobra.Command {
	var (
		port      string
		host      string
		root      string
		static    string
		inProcess bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP host and one worker per module",
		Example: `  maitre serve
  MODULES_ROOT=./modules PORT=9000 maitre serve
  maitre serve --root ./modules --in-process`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("host") {
				cfg.Server.Host = host
			}
			if flags.Changed("root") {
				cfg.Modules.Root = root
			}
			if flags.Changed("static") {
				cfg.Server.StaticDir = static
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{
				Level:       cfg.Logging.Level,
				Development: cfg.Logging.Development,
				OutputPaths: []string{"stdout"},
			})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, server.Options{
				Config:    cfg,
				Logger:    logger,
				InProcess: inProcess,
				Version:   version,
			})
			if err != nil {
				logger.Error("Failed to create server", zap.Error(err))
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides HOST)")
	cmd.Flags().StringVar(&root, "root", "", "module root directory (overrides MODULES_ROOT)")
	cmd.Flags().StringVar(&static, "static", "", "static asset directory (overrides STATIC_DIR)")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run modules as goroutines instead of processes (debugging only)")

	return cmd
}
