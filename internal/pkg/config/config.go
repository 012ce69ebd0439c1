package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/storefront/webhooks/internal/pkg/env"
)

// Config contains runtime configuration for the webhook service.
type Config struct {
	App     AppConfig     `yaml:"app"`
	DB      DBConfig      `yaml:"db"`
	Cache   CacheConfig   `yaml:"cache"`
	Stripe  StripeConfig  `yaml:"stripe"`
	Webhook WebhookConfig `yaml:"webhook"`
	Mail    MailConfig    `yaml:"mail"`
	Archive ArchiveConfig `yaml:"archive"`
}

type AppConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     string `yaml:"port" validate:"required,numeric"`
	Env      string `yaml:"env" validate:"oneof=dev prod test"`
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
}

type DBConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host" validate:"required"`
	Port     string `yaml:"port" validate:"required,numeric"`
	Name     string `yaml:"name"`
}

// DSN returns the go-sql-driver/mysql data source name.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// MigrateURL returns the golang-migrate database URL.
func (c DBConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	// Host empty disables cache invalidation.
	Host              string        `yaml:"host"`
	Port              string        `yaml:"port" validate:"omitempty,numeric"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db" validate:"min=0,max=15"`
	InvalidateTimeout time.Duration `yaml:"invalidate_timeout" validate:"gt=0"`
}

type StripeConfig struct {
	WebhookSecret string        `yaml:"webhook_secret"`
	Tolerance     time.Duration `yaml:"tolerance" validate:"gt=0"`
}

type WebhookConfig struct {
	BodyLimit       int           `yaml:"body_limit" validate:"gt=0"`
	DuplicateWindow time.Duration `yaml:"duplicate_window" validate:"gt=0"`
	ClaimLease      time.Duration `yaml:"claim_lease" validate:"gte=0"`
	RetryAttempts   int           `yaml:"retry_attempts" validate:"min=1,max=10"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	Retention       time.Duration `yaml:"retention" validate:"gt=0"`
	TaskTimeout     time.Duration `yaml:"task_timeout" validate:"gt=0"`
}

type MailConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port" validate:"omitempty,numeric"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender" validate:"omitempty,email"`
}

type ArchiveConfig struct {
	// MongoURI empty disables the raw event archive.
	MongoURI   string `yaml:"mongo_uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		App: AppConfig{
			Host:     "localhost",
			Port:     "4000",
			Env:      "prod",
			LogLevel: "info",
		},
		DB: DBConfig{
			Host: "127.0.0.1",
			Port: "3306",
		},
		Cache: CacheConfig{
			Port:              "6379",
			InvalidateTimeout: 2 * time.Second,
		},
		Stripe: StripeConfig{
			Tolerance: 5 * time.Minute,
		},
		Webhook: WebhookConfig{
			BodyLimit:       64 * 1024,
			DuplicateWindow: 24 * time.Hour,
			ClaimLease:      10 * time.Minute,
			RetryAttempts:   3,
			RetryBackoff:    100 * time.Millisecond,
			Retention:       30 * 24 * time.Hour,
			TaskTimeout:     30 * time.Second,
		},
		Mail: MailConfig{
			Port: "587",
		},
		Archive: ArchiveConfig{
			Database:   "storefront",
			Collection: "stripe_events",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG and finally environment variables (including a loaded .env file).
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(env.GetEnv("CONFIG", "")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.App.Host, "APP_HOST")
	setString(&c.App.Port, "APP_PORT")
	setString(&c.App.Env, "APP_ENV")
	setString(&c.App.LogLevel, "LOG_LEVEL")

	setString(&c.DB.User, "DB_USER")
	setString(&c.DB.Password, "DB_PASSWORD")
	setString(&c.DB.Host, "DB_HOST")
	setString(&c.DB.Port, "DB_PORT")
	setString(&c.DB.Name, "DB_NAME")

	setString(&c.Cache.Host, "CACHE_HOST")
	setString(&c.Cache.Port, "CACHE_PORT")
	setString(&c.Cache.Password, "CACHE_PASSWORD")

	setString(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")

	setString(&c.Mail.Host, "SMTP_HOST")
	setString(&c.Mail.Port, "SMTP_PORT")
	setString(&c.Mail.Username, "SMTP_USERNAME")
	setString(&c.Mail.Password, "SMTP_PASSWORD")
	setString(&c.Mail.Sender, "SMTP_SENDER")

	setString(&c.Archive.MongoURI, "MONGODB_URI")
	setString(&c.Archive.Database, "MONGODB_DATABASE")
	setString(&c.Archive.Collection, "MONGODB_COLLECTION")

	var errs []error
	errs = append(errs,
		setInt(&c.Cache.DB, "CACHE_DB"),
		setInt(&c.Webhook.BodyLimit, "WEBHOOK_BODY_LIMIT"),
		setInt(&c.Webhook.RetryAttempts, "WEBHOOK_RETRY_ATTEMPTS"),
		setDuration(&c.Cache.InvalidateTimeout, "CACHE_INVALIDATE_TIMEOUT"),
		setDuration(&c.Stripe.Tolerance, "STRIPE_WEBHOOK_TOLERANCE"),
		setDuration(&c.Webhook.DuplicateWindow, "WEBHOOK_DUPLICATE_WINDOW"),
		setDuration(&c.Webhook.ClaimLease, "WEBHOOK_CLAIM_LEASE"),
		setDuration(&c.Webhook.RetryBackoff, "WEBHOOK_RETRY_BACKOFF"),
		setDuration(&c.Webhook.Retention, "WEBHOOK_RETENTION"),
		setDuration(&c.Webhook.TaskTimeout, "WEBHOOK_TASK_TIMEOUT"),
	)
	return errors.Join(errs...)
}

// Validate checks field constraints. The webhook secret is checked separately
// by the serve command so that maintenance commands can run without it.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsDev reports whether the service runs in development mode.
func (c Config) IsDev() bool {
	return c.App.Env == "dev"
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.App.Host, c.App.Port)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(env.GetEnv(key, "")); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(env.GetEnv(key, ""))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(env.GetEnv(key, ""))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
