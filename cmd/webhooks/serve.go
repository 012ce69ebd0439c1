package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/spf13/cobra"

	"github.com/storefront/webhooks/app/controllers"
	"github.com/storefront/webhooks/internal/pkg/archive"
	"github.com/storefront/webhooks/internal/pkg/billing"
	"github.com/storefront/webhooks/internal/pkg/cache"
	"github.com/storefront/webhooks/internal/pkg/config"
	"github.com/storefront/webhooks/internal/pkg/database"
	"github.com/storefront/webhooks/internal/pkg/mail"
	"github.com/storefront/webhooks/internal/pkg/retry"
	"github.com/storefront/webhooks/internal/pkg/router"
	"github.com/storefront/webhooks/internal/pkg/webhook"
)

const shutdownTimeout = 30 * time.Second

var errNoSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")

func serveCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive Stripe webhooks over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "create tables through gorm instead of cmd/migrate (development only)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, autoMigrate bool) error {
	if cfg.Stripe.WebhookSecret == "" {
		return errNoSecret
	}
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.SetupDatabase(cfg.DB, autoMigrate || cfg.IsDev(), cfg.IsDev())
	if err != nil {
		return err
	}
	defer database.Close()
	svc := billing.NewServiceFromDB(db)

	var inv cache.Invalidator = cache.Nop{}
	if cfg.Cache.Host != "" {
		c := cache.New(ctx, cache.Options{
			Host:     cfg.Cache.Host,
			Port:     cfg.Cache.Port,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer c.Close()
		inv = c
	} else {
		log.Warn("[Cache] CACHE_HOST not set, cache invalidation disabled")
	}

	var mailer mail.Sender = mail.Nop{}
	if cfg.Mail.Host != "" {
		mailer = mail.NewSMTPMailer(mail.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			Sender:   cfg.Mail.Sender,
		})
	} else {
		log.Warn("[Mail] SMTP_HOST not set, confirmation emails disabled")
	}

	var sink archive.Sink
	if cfg.Archive.MongoURI != "" {
		ms, err := archive.NewMongoSink(ctx, cfg.Archive.MongoURI, cfg.Archive.Database, cfg.Archive.Collection)
		if err != nil {
			log.Warnf("[Archive] Disabled: %v", err)
		} else {
			defer ms.Close()
			sink = ms
		}
	}

	detacher := webhook.NewDetacher(cfg.Webhook.TaskTimeout)
	handlers := webhook.NewHandlers(webhook.Deps{
		Store:    svc,
		Cache:    inv,
		Mailer:   mailer,
		Detacher: detacher,
		Retry: retry.Policy{
			MaxAttempts: cfg.Webhook.RetryAttempts,
			Backoff:     cfg.Webhook.RetryBackoff,
		},
		CacheTimeout: cfg.Cache.InvalidateTimeout,
	})
	proc := webhook.NewProcessor(
		webhook.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance),
		svc,
		webhook.NewRouter(handlers),
		sink,
		detacher,
		webhook.ProcessorConfig{
			DuplicateWindow: cfg.Webhook.DuplicateWindow,
			ClaimLease:      cfg.Webhook.ClaimLease,
		},
	)

	app := fiber.New(fiber.Config{
		// The controller answers oversized bodies with 413 itself; fiber only
		// cuts off what is far beyond that.
		BodyLimit:             cfg.Webhook.BodyLimit * 4,
		DisableStartupMessage: !cfg.IsDev(),
	})
	app.Use(requestid.New(), recover.New(), logger.New())

	router.InstallRouter(app, router.Deps{
		Webhooks: controllers.NewWebhookController(proc, cfg.Webhook.BodyLimit),
		Health:   controllers.NewHealthController(svc),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Infof("[Server] Listening on %s", cfg.Addr())
		errCh <- app.Listen(cfg.Addr())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("[Server] Received %s, shutting down", sig)
	case <-ctx.Done():
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[Server] Shutdown: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := detacher.Wait(waitCtx); err != nil {
		log.Warnf("[Server] Detached tasks still running at exit: %v", err)
	}
	log.Info("[Server] Stopped")
	return nil
}
