package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "voidsyncd",
	Short: "VoidSync gatekeeper daemon",
	Long: `voidsyncd brokers changes autonomous agents want to make to a shared
project workspace: agents propose file contents, voidsyncd turns each
proposal into a reviewable Change, runs it through the validator/processor
pipeline, stages it in a sandbox, and only commits it to the live workspace
once an operator approves.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "./voidsync.yaml", "Config file")
	rootCmd.AddCommand(serveCmd)
}
