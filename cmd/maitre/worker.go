package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	cfg := worker.DefaultConfig()

	cmd := &cobra.Command{
		Use:    "worker [flags] <module-dir>",
		Short:  "Run one module (started by the host; not for interactive use)",
		Hidden: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &exitError{code: worker.ExitUsage, err: fmt.Errorf("worker takes exactly one module directory, got %d", len(args))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Dir = args[0]
			cfg.SoftMemoryLimit = true

			// stdout is reserved for module output; logs go to stderr
			logger, err := logging.New(logging.Config{
				Level:       cfg.LogLevel,
				Development: cfg.LogDevelopment,
				OutputPaths: []string{"stderr"},
			})
			if err != nil {
				return &exitError{code: worker.ExitUsage, err: err}
			}
			defer logger.Sync()

			in, out, err := worker.OpenIPC()
			if err != nil {
				return &exitError{code: worker.ExitIPC, err: err}
			}
			defer in.Close()
			defer out.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			if code := worker.New(cfg, in, out, logger.Logger).Run(ctx); code != worker.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cfg.BindFlags(cmd.Flags())
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: worker.ExitUsage, err: err}
	})
	// Worker output is read by the host, never by a person
	cmd.SetOut(os.Stderr)

	return cmd
}
