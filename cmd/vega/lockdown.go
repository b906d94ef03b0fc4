package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/security"
)

func lockdownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockdown",
		Short: "Inspect and control security lockdown",
	}
	cmd.AddCommand(lockdownStatusCmd(), lockdownActivateCmd(), lockdownUnlockCmd())
	return cmd
}

// opKernel builds a kernel for control-plane commands that never touch
// the memory stores.
func opKernel(ctx context.Context) (*kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.InitStructured(cfg.Daemon.LogFormat, "warn")
	return buildKernel(ctx, cfg, false)
}

func lockdownStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lockdown state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, err := opKernel(ctx)
			if err != nil {
				return err
			}
			defer k.Close()

			var rec security.Record
			if err := k.store.GetJSON(ctx, security.LockdownKey, &rec); err == nil && rec.Active {
				fmt.Printf("lockdown ACTIVE (reason: %s)\n", rec.Reason)
				return nil
			}
			fmt.Println("lockdown inactive")
			return nil
		},
	}
}

func lockdownActivateCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Engage lockdown (panic switch)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, err := opKernel(ctx)
			if err != nil {
				return err
			}
			defer k.Close()

			k.security.Activate(ctx, reason)
			fmt.Println("lockdown engaged; the unlock code is in the audit journal:", k.journal.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual_panic", "Activation reason")
	return cmd
}

func lockdownUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <code>",
		Short: "Release lockdown with the unlock code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, err := opKernel(ctx)
			if err != nil {
				return err
			}
			defer k.Close()

			if !k.security.Unlock(ctx, args[0]) {
				return fmt.Errorf("invalid unlock code")
			}
			fmt.Println("lockdown released")
			return nil
		},
	}
}
