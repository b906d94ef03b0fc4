package main

import (
	"context"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			k, err := buildKernel(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer k.Close()

			printJSON(k.health.Collect(ctx))
			return nil
		},
	}
}
