package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/storefront/webhooks/internal/pkg/billing"
	"github.com/storefront/webhooks/internal/pkg/database"
)

func pruneCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete processed webhook events older than the retention period",
		Long: `Delete processed webhook events older than the retention period.

Unfinished events are never deleted. Retention below 24h is raised to 24h so
that redeliveries within Stripe's retry window are still recognized.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("retention") {
				retention = cfg.Webhook.Retention
			}

			db, err := database.SetupDatabase(cfg.DB, false, false)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			n, err := billing.NewServiceFromDB(db).PruneWebhookEvents(ctx, retention)
			if err != nil {
				return fmt.Errorf("prune webhook events: %w", err)
			}
			log.Infof("[Prune] Deleted %d webhook events", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "keep processed events for this long (default from WEBHOOK_RETENTION)")
	return cmd
}
