package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/config"
)

func newModulesCmd() *cobra.Command {
	var (
		root    string
		include string
		exclude string
	)

	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List the modules the host would start and the ones it would skip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadOrDefault()
			flags := cmd.Flags()
			if !flags.Changed("root") {
				root = cfg.Modules.Root
			}
			if !flags.Changed("include") {
				include = cfg.Modules.Include
			}
			if !flags.Changed("exclude") {
				exclude = cfg.Modules.Exclude
			}

			result, err := module.Discover(cmd.Context(), root, module.Options{
				Include:      include,
				Exclude:      exclude,
				DefaultEntry: cfg.Sandbox.Entry,
			})
			if err != nil {
				return fmt.Errorf("failed to discover modules: %w", err)
			}

			printModules(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "module root directory (default MODULES_ROOT)")
	cmd.Flags().StringVar(&include, "include", "", "comma-separated glob patterns of module names to include")
	cmd.Flags().StringVar(&exclude, "exclude", "", "comma-separated glob patterns of module names to exclude")

	return cmd
}

func printModules(w io.Writer, result *module.Result) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	_, _ = bold.Fprintf(w, "Modules in %s\n\n", result.Root)

	for _, m := range result.Modules {
		_, _ = green.Fprintf(w, "  ✓ %-24s", m.DisplayName())
		fmt.Fprintf(w, " %s", filepath.Join(m.Name, m.Entry))
		if m.Manifest.Version != "" {
			_, _ = faint.Fprintf(w, "  v%s", m.Manifest.Version)
		}
		fmt.Fprintln(w)
	}

	// Excluded and disabled modules were skipped on purpose
	for _, s := range result.Skipped {
		c := red
		if s.Reason == module.ReasonExcluded || s.Reason == module.ReasonDisabled {
			c = yellow
		}
		_, _ = c.Fprintf(w, "  ✗ %-24s %s", s.Name, s.Reason)
		if s.Err != nil {
			_, _ = faint.Fprintf(w, ": %v", s.Err)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\n%d to start, %d skipped\n", len(result.Modules), len(result.Skipped))
}
