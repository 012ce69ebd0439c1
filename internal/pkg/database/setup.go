package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/storefront/webhooks/app/models"
	"github.com/storefront/webhooks/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Models lists every table owned by the service.
func Models() []any {
	return []any{
		&models.WebhookEvent{},
		&models.Order{},
		&models.OrderItem{},
		&models.Payment{},
		&models.BillingAccount{},
		&models.BillingPlanMapping{},
		&models.Subscription{},
		&models.EmailFailure{},
	}
}

// SetupDatabase connects to MySQL, retrying while the server starts up. With
// autoMigrate set the schema is created through gorm instead of the SQL
// migrations; this is meant for development only.
func SetupDatabase(cfg config.DBConfig, autoMigrate bool, verbose bool) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
	if verbose {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.DSN(),
			DefaultStringSize:         256,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), gormCfg)
		if err == nil {
			err = ping(DB)
		}
		if err == nil {
			break
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	if autoMigrate {
		if err := DB.AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		log.Info("[Database] Schema auto-migrated")
	}
	log.Infof("[Database] Connected to %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
	return DB, nil
}

func ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the underlying connection pool.
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
