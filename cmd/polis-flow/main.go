// Package main is the entry point for the polis-flow binary.
// It validates, runs and serves secure node-based workflows.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-flow
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-flow",
		Short: "Secure workflow graph engine",
		Long: `Validate and execute node-based workflows under structural checks, injection
screening, admission policy and bounded execution.

Example:
  polis-flow validate workflow.yaml
  polis-flow run --simulate workflow.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Human readable console logs")

	rootCmd.AddCommand(
		newTemplatesCmd(opts),
		newValidateCmd(opts),
		newRunCmd(opts),
		newServeCmd(opts),
	)

	return rootCmd
}
