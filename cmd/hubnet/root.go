package main

import (
	"fmt"
	"os"

	"tarun-kavipurapu/hubnet/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	logLevel string
	logFile  string
)

var rootCmd = &cobra.Command{
	Use:   "hubnet",
	Short: "Device hub peer network",
	Long:  `Discovers other hub processes on the local network and exchanges typed event messages with them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("log-level") && logFile == "" {
			return nil
		}
		if err := logger.Setup(logLevel, logFile); err != nil {
			return fmt.Errorf("logger setup: %w", err)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
}
