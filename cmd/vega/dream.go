package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func dreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Maintenance cycle operations",
	}
	cmd.AddCommand(dreamTriggerCmd())
	return cmd
}

func dreamTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run one maintenance cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			k, err := buildKernel(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer k.Close()

			report, err := k.dream.TriggerNow(ctx)
			if err != nil {
				return err
			}
			printJSON(report)
			if !report.Completed {
				return fmt.Errorf("cycle stopped before all phases ran")
			}
			return nil
		},
	}
}
