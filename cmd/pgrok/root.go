package main

import (
	"github.com/spf13/cobra"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:           "pgrok",
	Short:         "pgrok exposes a local HTTP or TCP service through a reverse tunnel relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(startServerCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(startTCPCmd)
}
