// Package billingtest provides an in-memory billing.Repository for tests.
package billingtest

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/storefront/webhooks/app/models"
	"github.com/storefront/webhooks/internal/pkg/billing"
)

// Operation names accepted by FailNext and FailAlways.
const (
	OpClaim         = "CreateWebhookEventIfNotExists"
	OpReclaim       = "ReclaimStaleWebhookEvent"
	OpComplete      = "MarkWebhookProcessed"
	OpRelease       = "ReleaseWebhookEvent"
	OpPrune         = "DeleteProcessedWebhookEventsBefore"
	OpUpdateOrder   = "UpdateOrderPaymentStatus"
	OpGetOrder      = "GetOrderWithItems"
	OpCreatePayment = "CreatePaymentIfNotExists"
	OpGetAccount    = "GetBillingAccountByProviderAccountID"
	OpFindMapping   = "FindActivePlanMapping"
	OpUpsertSub     = "UpsertSubscription"
	OpCancelSub     = "CancelSubscription"
	OpEmailFailure  = "CreateEmailFailure"
	OpPing          = "Ping"
)

// Memory is a mutex-guarded Repository. The mutex plays the role of the
// unique indexes: a claim is a single check-and-insert under the lock.
type Memory struct {
	mu sync.Mutex

	nextID        uint
	events        map[string]*models.WebhookEvent
	orders        map[string]*models.Order
	payments      map[string]*models.Payment
	accounts      map[string]*models.BillingAccount
	mappings      map[string]*models.BillingPlanMapping
	subscriptions map[string]*models.Subscription
	emailFailures []models.EmailFailure

	calls      map[string]int
	writes     map[string]int
	failNext   map[string][]error
	failAlways map[string]error
}

var _ billing.Repository = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		events:        map[string]*models.WebhookEvent{},
		orders:        map[string]*models.Order{},
		payments:      map[string]*models.Payment{},
		accounts:      map[string]*models.BillingAccount{},
		mappings:      map[string]*models.BillingPlanMapping{},
		subscriptions: map[string]*models.Subscription{},
		calls:         map[string]int{},
		writes:        map[string]int{},
		failNext:      map[string][]error{},
		failAlways:    map[string]error{},
	}
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], errs...)
}

// FailAlways makes every call of op return err. A nil err clears it.
func (m *Memory) FailAlways(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAlways, op)
		return
	}
	m.failAlways[op] = err
}

// Calls returns how often op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Writes returns how often op changed stored state.
func (m *Memory) Writes(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[op]
}

// enter must be called with m.mu held.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	if err, ok := m.failAlways[op]; ok {
		return err
	}
	if q := m.failNext[op]; len(q) > 0 {
		m.failNext[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Memory) id() uint {
	m.nextID++
	return m.nextID
}

func eventKey(provider, id string) string { return provider + "/" + id }

// SeedOrder stores an order with its items.
func (m *Memory) SeedOrder(o models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == 0 {
		o.ID = m.id()
	}
	if o.Status == "" {
		o.Status = models.OrderStatusPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = models.PaymentStatusPending
	}
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	m.orders[o.MedusaOrderID] = &o
}

// SeedAccount links a provider customer to a user.
func (m *Memory) SeedAccount(a models.BillingAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.id()
	}
	m.accounts[eventKey(a.Provider, a.ProviderAccountID)] = &a
}

// SeedPlanMapping stores a plan mapping.
func (m *Memory) SeedPlanMapping(p models.BillingPlanMapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.id()
	}
	m.mappings[eventKey(p.Provider, p.ProviderPlanRef)] = &p
}

// SeedSubscription stores a subscription row as is.
func (m *Memory) SeedSubscription(s models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	}
	m.subscriptions[s.StripeSubscriptionID] = &s
}

// SeedWebhookEvent stores an idempotency row as is.
func (m *Memory) SeedWebhookEvent(e models.WebhookEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == 0 {
		e.ID = m.id()
	}
	m.events[eventKey(e.Provider, e.ProviderEventID)] = &e
}

// WebhookEvent returns a copy of the stored event, or nil.
func (m *Memory) WebhookEvent(provider, id string) *models.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventKey(provider, id)]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// WebhookEventCount returns the number of idempotency rows.
func (m *Memory) WebhookEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Order returns a copy of the stored order, or nil.
func (m *Memory) Order(medusaOrderID string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[medusaOrderID]
	if !ok {
		return nil
	}
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp
}

// Payments returns copies of all ledger rows.
func (m *Memory) Payments() []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, *p)
	}
	return out
}

// Subscription returns a copy of the stored subscription, or nil.
func (m *Memory) Subscription(stripeSubscriptionID string) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[stripeSubscriptionID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// SubscriptionCount returns the number of subscription rows.
func (m *Memory) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// EmailFailures returns copies of all recorded email failures.
func (m *Memory) EmailFailures() []models.EmailFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EmailFailure(nil), m.emailFailures...)
}

func (m *Memory) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpClaim); err != nil {
		return false, nil, err
	}
	key := eventKey(event.Provider, event.ProviderEventID)
	if stored, ok := m.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	row := *event
	row.ID = m.id()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.ClaimedAt
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.UpdatedAt = row.CreatedAt
	m.events[key] = &row
	m.writes[OpClaim]++
	event.ID = row.ID
	cp := row
	return true, &cp, nil
}

func (m *Memory) ReclaimStaleWebhookEvent(ctx context.Context, provider, providerEventID string, claimedBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpReclaim); err != nil {
		return false, err
	}
	e, ok := m.events[eventKey(provider, providerEventID)]
	if !ok || e.ProcessedAt != nil {
		return false, nil
	}
	if !e.IsReleased() && !e.ClaimedAt.Before(claimedBefore) {
		return false, nil
	}
	e.ClaimedAt = time.Now()
	e.Released = false
	e.Attempts++
	m.writes[OpReclaim]++
	return true, nil
}

func (m *Memory) MarkWebhookProcessed(ctx context.Context, provider, providerEventID, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpComplete); err != nil {
		return err
	}
	e, ok := m.events[eventKey(provider, providerEventID)]
	if !ok || e.ProcessedAt != nil {
		return nil
	}
	now := time.Now()
	e.ProcessedAt = &now
	e.ProcessingError = processingError
	m.writes[OpComplete]++
	return nil
}

func (m *Memory) ReleaseWebhookEvent(ctx context.Context, provider, providerEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRelease); err != nil {
		return err
	}
	e, ok := m.events[eventKey(provider, providerEventID)]
	if !ok || e.ProcessedAt != nil {
		return nil
	}
	e.Released = true
	m.writes[OpRelease]++
	return nil
}

func (m *Memory) DeleteProcessedWebhookEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpPrune); err != nil {
		return 0, err
	}
	var n int64
	for k, e := range m.events {
		if e.ProcessedAt != nil && e.CreatedAt.Before(before) {
			delete(m.events, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateOrderPaymentStatus(ctx context.Context, medusaOrderID, paymentStatus, orderStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdateOrder); err != nil {
		return err
	}
	o, ok := m.orders[medusaOrderID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	o.PaymentStatus = paymentStatus
	if orderStatus != "" {
		o.Status = orderStatus
	}
	m.writes[OpUpdateOrder]++
	return nil
}

func (m *Memory) GetOrderWithItems(ctx context.Context, medusaOrderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetOrder); err != nil {
		return nil, err
	}
	o, ok := m.orders[medusaOrderID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (m *Memory) CreatePaymentIfNotExists(ctx context.Context, payment *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreatePayment); err != nil {
		return false, err
	}
	if _, ok := m.payments[payment.StripePaymentIntentID]; ok {
		return false, nil
	}
	row := *payment
	row.ID = m.id()
	row.CreatedAt = time.Now()
	m.payments[row.StripePaymentIntentID] = &row
	m.writes[OpCreatePayment]++
	payment.ID = row.ID
	return true, nil
}

func (m *Memory) GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetAccount); err != nil {
		return nil, err
	}
	a, ok := m.accounts[eventKey(provider, providerAccountID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) FindActivePlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpFindMapping); err != nil {
		return nil, err
	}
	p, ok := m.mappings[eventKey(provider, providerPlanRef)]
	if !ok || !p.IsActive {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

// UpsertSubscription applies the same newer-wins rule as the SQL upsert.
func (m *Memory) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpsertSub); err != nil {
		return err
	}
	now := time.Now()
	stored, ok := m.subscriptions[sub.StripeSubscriptionID]
	if !ok {
		row := *sub
		row.ID = m.id()
		row.CreatedAt = now
		row.UpdatedAt = now
		m.subscriptions[row.StripeSubscriptionID] = &row
		m.writes[OpUpsertSub]++
		*sub = row
		return nil
	}
	if !sub.LastEventAt.Before(stored.LastEventAt) {
		stored.UserID = sub.UserID
		stored.StripeCustomerID = sub.StripeCustomerID
		stored.StripePriceID = sub.StripePriceID
		stored.InternalPlan = sub.InternalPlan
		stored.Status = sub.Status
		stored.CurrentPeriodStart = sub.CurrentPeriodStart
		stored.CurrentPeriodEnd = sub.CurrentPeriodEnd
		stored.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		stored.LastEventAt = sub.LastEventAt
		stored.UpdatedAt = now
		m.writes[OpUpsertSub]++
	}
	*sub = *stored
	return nil
}

func (m *Memory) CancelSubscription(ctx context.Context, stripeSubscriptionID string, canceledAt, eventAt time.Time) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCancelSub); err != nil {
		return nil, err
	}
	s, ok := m.subscriptions[stripeSubscriptionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	s.Status = models.SubscriptionStatusCanceled
	at := canceledAt
	s.CanceledAt = &at
	if eventAt.After(s.LastEventAt) {
		s.LastEventAt = eventAt
	}
	s.UpdatedAt = time.Now()
	m.writes[OpCancelSub]++
	cp := *s
	return &cp, nil
}

func (m *Memory) CreateEmailFailure(ctx context.Context, failure *models.EmailFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpEmailFailure); err != nil {
		return err
	}
	row := *failure
	row.ID = m.id()
	row.CreatedAt = time.Now()
	m.emailFailures = append(m.emailFailures, row)
	m.writes[OpEmailFailure]++
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(OpPing)
}
