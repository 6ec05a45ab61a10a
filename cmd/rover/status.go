package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/rover/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the robot status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := tui.NewClient(apiAddr).Status()
		if err != nil {
			return fmt.Errorf("fetch status from %s: %w", apiAddr, err)
		}
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tui.New(apiAddr, watchInterval).Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
}
