package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "maitre",
		Short: "Host sandboxed JavaScript modules behind one HTTP server",
		Long: `maitre discovers module directories, runs each module in its own sandboxed
worker process and routes HTTP requests to whichever module registered the
matching path prefix first.

Configuration comes from the environment (PORT, MODULES_ROOT,
SANDBOX_MEMORY_MB, REQUEST_TIMEOUT, ...); flags override it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newModulesCmd())
	rootCmd.AddCommand(newSchemaCmd())

	return rootCmd
}
