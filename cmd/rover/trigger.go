package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/store"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <task>",
	Short: "Queue a task's action for the scheduler",
	Long:  `Pushes the task name onto the shared action queue; the scheduler resolves it on its next tick.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kv, err := store.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer kv.Close()

		if err := state.New(kv, clock.Real()).EnqueueActions(ctx, args[0]); err != nil {
			return fmt.Errorf("queue %s: %w", args[0], err)
		}
		fmt.Printf("✓ Queued %s\n", args[0])
		return nil
	},
}
