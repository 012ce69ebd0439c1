package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/storefront/webhooks/internal/pkg/config"
	"github.com/storefront/webhooks/internal/pkg/env"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "webhooks",
		Short:         "Stripe webhook ingestion for the storefront",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pruneCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env, the optional YAML file and the environment, and
// applies the configured log level.
func loadConfig() (config.Config, error) {
	if path, ok := env.SetupEnvFile(); ok {
		log.Infof("[Config] Loaded %s", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	log.SetLevel(logLevel(cfg.App.LogLevel))
	return cfg, nil
}

func logLevel(name string) log.Level {
	switch strings.ToLower(name) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
