package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"smartborrow/internal/config"
	"smartborrow/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "smartborrow",
	Short:         "Smart Borrow equipment lending service",
	Long:          `Smart Borrow lets students request university equipment and approvers manage loans, returns and late fines.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(cfg.LogLevel, cfg.Env == "dev")
	return cfg, nil
}
