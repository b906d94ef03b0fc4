package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/orchestrator"
)

func askCmd() *cobra.Command {
	var (
		sessionID  string
		imagePaths []string
		forceCloud bool
		asJSON     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Process one message through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.Daemon.LogFormat, "warn")

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			k, err := buildKernel(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer k.Close()

			var images []string
			for _, p := range imagePaths {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read image: %w", err)
				}
				images = append(images, base64.StdEncoding.EncodeToString(data))
			}

			res := k.orch.ProcessMessage(ctx, orchestrator.Request{
				Text:       strings.Join(args, " "),
				SessionID:  sessionID,
				Images:     images,
				ForceCloud: forceCloud,
			})

			if asJSON {
				printJSON(res)
				return nil
			}
			if res.Blocked {
				return fmt.Errorf("blocked: %s %v", res.Reason, res.Detections)
			}
			if res.Error != "" {
				return fmt.Errorf("%s", res.Error)
			}
			fmt.Println(res.Response)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier")
	cmd.Flags().StringArrayVar(&imagePaths, "image", nil, "Image file to attach (repeatable)")
	cmd.Flags().BoolVar(&forceCloud, "cloud", false, "Force the cloud model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall deadline")

	return cmd
}
