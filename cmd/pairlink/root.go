package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:  `pairlink`,
	Long: `pairlink runs an encrypted channel between two paired devices on the local network`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
}
