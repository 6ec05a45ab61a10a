package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/config"
	"github.com/fentz26/rover/internal/logging"
)

var (
	configPath string
	apiAddr    string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rover",
	Short: "Rover - home companion robot scheduler",
	Long: `Rover drives a home companion robot between user interactions: it plans
visits from a daily task table, captures snapshots, evaluates them with a
vision model and speaks reminders when a task triggers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadFromHome()
		}
		if err != nil {
			return err
		}
		opts := cfg.Logging
		if verbose {
			opts.Level = "debug"
		}
		logger, err = logging.New(opts)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.rover/rover.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "Control plane address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
