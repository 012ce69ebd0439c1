package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/storefront/webhooks/internal/pkg/billing"
	"github.com/storefront/webhooks/internal/pkg/billing/billingtest"
	"github.com/storefront/webhooks/internal/pkg/retry"
)

const testSecret = "whsec_test_secret"

func signAt(body []byte, secret string, ts time.Time) string {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: ts,
	})
	return signed.Header
}

func sign(body []byte) string {
	return signAt(body, testSecret, time.Now())
}

func eventJSON(t *testing.T, id string, eventType EventType, created time.Time, object any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        string(eventType),
		"created":     created.Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return body
}

func paymentIntent(id, orderID, email string, amount int64) map[string]any {
	meta := map[string]string{}
	if orderID != "" {
		meta["order_id"] = orderID
	}
	if email != "" {
		meta["email"] = email
	}
	return map[string]any{
		"id":              id,
		"object":          "payment_intent",
		"amount":          amount,
		"amount_received": amount,
		"currency":        "usd",
		"status":          "succeeded",
		"metadata":        meta,
	}
}

func subscriptionObject(id, customer, status, price string) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"cancel_at_period_end": false,
		"items": map[string]any{
			"data": []map[string]any{{
				"id":                   "si_1",
				"price":                map[string]any{"id": price},
				"current_period_start": 1767225600,
				"current_period_end":   1769904000,
			}},
		},
	}
}

type fakeCache struct {
	mu    sync.Mutex
	keys  []string
	block chan struct{}
	err   error
}

func (c *fakeCache) Invalidate(ctx context.Context, keys ...string) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, keys...)
	return nil
}

func (c *fakeCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

type sentMail struct {
	Template string
	To       string
	Data     any
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, tmpl, to string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{Template: tmpl, To: to, Data: data})
	return m.err
}

func (m *fakeMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type harness struct {
	repo     *billingtest.Memory
	svc      *billing.Service
	cache    *fakeCache
	mailer   *fakeMailer
	detacher *Detacher
	proc     *Processor
}

func noWait(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     billingtest.NewMemory(),
		cache:    &fakeCache{},
		mailer:   &fakeMailer{},
		detacher: NewDetacher(time.Second),
	}
	h.svc = billing.NewService(h.repo)
	handlers := NewHandlers(Deps{
		Store:        h.svc,
		Cache:        h.cache,
		Mailer:       h.mailer,
		Detacher:     h.detacher,
		Retry:        retry.Policy{MaxAttempts: 3, Sleep: noWait},
		CacheTimeout: 50 * time.Millisecond,
	})
	h.proc = NewProcessor(NewVerifier(testSecret, 0), h.svc, NewRouter(handlers), nil, h.detacher,
		ProcessorConfig{ClaimLease: 10 * time.Minute})
	return h
}

func (h *harness) deliver(body []byte) Response {
	return Classify(h.proc.Process(context.Background(), body, sign(body)))
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.detacher.Wait(ctx))
}

var errConnRefused = retry.Transient(errors.New("dial tcp 127.0.0.1:3306: connect: connection refused"))
