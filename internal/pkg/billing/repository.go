package billing

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storefront/webhooks/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	ReclaimStaleWebhookEvent(ctx context.Context, provider, providerEventID string, claimedBefore time.Time) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, providerEventID, processingError string) error
	ReleaseWebhookEvent(ctx context.Context, provider, providerEventID string) error
	DeleteProcessedWebhookEventsBefore(ctx context.Context, before time.Time) (int64, error)

	UpdateOrderPaymentStatus(ctx context.Context, medusaOrderID, paymentStatus, orderStatus string) error
	GetOrderWithItems(ctx context.Context, medusaOrderID string) (*models.Order, error)
	CreatePaymentIfNotExists(ctx context.Context, payment *models.Payment) (bool, error)

	GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error)
	FindActivePlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	CancelSubscription(ctx context.Context, stripeSubscriptionID string, canceledAt, eventAt time.Time) (*models.Subscription, error)

	CreateEmailFailure(ctx context.Context, failure *models.EmailFailure) error
	Ping(ctx context.Context) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateWebhookEventIfNotExists is the atomic claim: one INSERT against the
// unique (provider, provider_event_id) index. Zero affected rows means another
// delivery owns the id; the stored row is read back either way.
func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// ReclaimStaleWebhookEvent takes over an unfinished claim that was either
// released or whose owner never finished (crash, killed pod). The conditional
// UPDATE lets only one caller win.
func (r *gormRepository) ReclaimStaleWebhookEvent(ctx context.Context, provider, providerEventID string, claimedBefore time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND processed_at IS NULL", provider, providerEventID).
		Where("released = ? OR claimed_at < ?", true, claimedBefore).
		Updates(map[string]interface{}{
			"claimed_at": time.Now(),
			"released":   false,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, provider, providerEventID, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND processed_at IS NULL", provider, providerEventID).
		Updates(updates).Error
}

// ReleaseWebhookEvent hands an unfinished claim back so the sender's retry is
// processed instead of short-circuited. The row itself is kept.
func (r *gormRepository) ReleaseWebhookEvent(ctx context.Context, provider, providerEventID string) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND processed_at IS NULL", provider, providerEventID).
		Update("released", true).Error
}

func (r *gormRepository) DeleteProcessedWebhookEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND created_at < ?", before).
		Delete(&models.WebhookEvent{})
	return tx.RowsAffected, tx.Error
}

// UpdateOrderPaymentStatus sets the payment status (and the order status when
// given). Returns gorm.ErrRecordNotFound if no order has the id.
func (r *gormRepository) UpdateOrderPaymentStatus(ctx context.Context, medusaOrderID, paymentStatus, orderStatus string) error {
	db := r.db.WithContext(ctx)
	updates := map[string]interface{}{"payment_status": paymentStatus}
	if orderStatus != "" {
		updates["status"] = orderStatus
	}

	tx := db.Model(&models.Order{}).Where("medusa_order_id = ?", medusaOrderID).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	// MySQL reports 0 affected rows when the values were already set.
	var count int64
	if err := db.Model(&models.Order{}).Where("medusa_order_id = ?", medusaOrderID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) GetOrderWithItems(ctx context.Context, medusaOrderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Preload("Items").
		Where("medusa_order_id = ?", medusaOrderID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) CreatePaymentIfNotExists(ctx context.Context, payment *models.Payment) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_payment_intent_id"}},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) FindActivePlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// subscriptionStateColumns are overwritten only by events at least as new as
// the stored last_event_at.
var subscriptionStateColumns = []string{
	"user_id",
	"stripe_customer_id",
	"stripe_price_id",
	"internal_plan",
	"status",
	"current_period_start",
	"current_period_end",
	"cancel_at_period_end",
	"updated_at",
}

// UpsertSubscription inserts or updates the row keyed by the Stripe
// subscription id. Out-of-order deliveries do not roll state back: every
// column is guarded by last_event_at, which is assigned last.
func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	set := make(clause.Set, 0, len(subscriptionStateColumns)+1)
	for _, col := range subscriptionStateColumns {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr(fmt.Sprintf("IF(VALUES(last_event_at) >= last_event_at, VALUES(%s), %s)", col, col)),
		})
	}
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "last_event_at"},
		Value:  gorm.Expr("GREATEST(last_event_at, VALUES(last_event_at))"),
	})

	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_subscription_id"}},
		DoUpdates: set,
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID and the winning state are populated after upsert.
	return db.Where("stripe_subscription_id = ?", sub.StripeSubscriptionID).First(sub).Error
}

// CancelSubscription stores the terminal state. last_event_at advances to the
// deletion event's time, not canceled_at, which can predate later updates.
func (r *gormRepository) CancelSubscription(ctx context.Context, stripeSubscriptionID string, canceledAt, eventAt time.Time) (*models.Subscription, error) {
	db := r.db.WithContext(ctx)
	tx := db.Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		Updates(map[string]interface{}{
			"status":        models.SubscriptionStatusCanceled,
			"canceled_at":   canceledAt,
			"last_event_at": gorm.Expr("GREATEST(last_event_at, ?)", eventAt),
		})
	if tx.Error != nil {
		return nil, tx.Error
	}

	var sub models.Subscription
	if err := db.Where("stripe_subscription_id = ?", stripeSubscriptionID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateEmailFailure(ctx context.Context, failure *models.EmailFailure) error {
	return r.db.WithContext(ctx).Create(failure).Error
}

func (r *gormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
