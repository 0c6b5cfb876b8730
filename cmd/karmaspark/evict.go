package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Delete expired memories and old reminders once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			res, err := build(ctx, cmd)
			if err != nil {
				return err
			}
			defer res.Cleanup()

			memories, err := res.Memory.EvictExpired(ctx)
			if err != nil {
				return fmt.Errorf("evict memories: %w", err)
			}
			reminders, err := res.Scheduler.GC(ctx)
			if err != nil {
				return fmt.Errorf("collect reminders: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d memories, removed %d reminders\n", memories, reminders)
			return nil
		},
	}
}
