package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/vega/internal/config"
)

var (
	configPath string
	redisAddr  string
	redisPass  string
	redisDB    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vega",
		Short: "Vega - single-node assistant runtime",
		Long:  "An assistant runtime that arbitrates local GPU models, escalates to the cloud, and quarantines user-submitted skills",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (JSON)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", -1, "Redis database")

	rootCmd.AddCommand(
		askCmd(),
		skillCmd(),
		lockdownCmd(),
		dreamCmd(),
		statusCmd(),
		daemonCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration: defaults, then file, then
// environment, then command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if redisPass != "" {
		cfg.Redis.Password = redisPass
	}
	if redisDB >= 0 {
		cfg.Redis.DB = redisDB
	}
	return cfg, nil
}
