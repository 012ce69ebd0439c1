package controllers

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/storefront/webhooks/internal/pkg/billing"
	"github.com/storefront/webhooks/internal/pkg/billing/billingtest"
	"github.com/storefront/webhooks/internal/pkg/webhook"
)

const testSecret = "whsec_controller_test"

func newTestApp(t *testing.T, bodyLimit int) (*fiber.App, *billingtest.Memory) {
	t.Helper()
	repo := billingtest.NewMemory()
	svc := billing.NewService(repo)
	d := webhook.NewDetacher(time.Second)
	proc := webhook.NewProcessor(
		webhook.NewVerifier(testSecret, 0),
		svc,
		webhook.NewRouter(webhook.NewHandlers(webhook.Deps{Store: svc, Detacher: d})),
		nil,
		d,
		webhook.ProcessorConfig{ClaimLease: time.Minute},
	)

	app := fiber.New()
	app.Post("/webhooks/stripe", NewWebhookController(proc, bodyLimit).HandleStripeWebhook)
	app.Get("/healthz", NewHealthController(svc).HandleHealth)
	return app, repo
}

func invoiceEvent(t *testing.T, id string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        "invoice.paid",
		"created":     time.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": map[string]any{"id": "in_1", "object": "invoice"}},
	})
	require.NoError(t, err)
	return body
}

func post(t *testing.T, app *fiber.App, body []byte, signature string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set(StripeSignatureHeader, signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func sign(body []byte) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: body,
		Secret:  testSecret,
	}).Header
}

func TestHandleStripeWebhook(t *testing.T) {
	app, repo := newTestApp(t, 64*1024)
	body := invoiceEvent(t, "evt_http_1")

	status, out := post(t, app, body, sign(body))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, map[string]any{"received": true}, out)

	status, out = post(t, app, body, sign(body))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, map[string]any{"received": true, "skipped": true}, out)

	assert.Equal(t, 1, repo.WebhookEventCount())
}

func TestHandleStripeWebhook_Rejects(t *testing.T) {
	app, repo := newTestApp(t, 64*1024)
	body := invoiceEvent(t, "evt_http_2")

	status, out := post(t, app, body, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid signature", out["error"])

	status, _ = post(t, app, body, "t=1,v1=deadbeef")
	assert.Equal(t, fiber.StatusBadRequest, status)

	assert.Equal(t, 0, repo.Calls(billingtest.OpClaim))
}

func TestHandleStripeWebhook_TooLarge(t *testing.T) {
	app, repo := newTestApp(t, 256)
	body := []byte(`{"id":"evt_big","pad":"` + strings.Repeat("x", 512) + `"}`)

	status, out := post(t, app, body, sign(body))
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)
	assert.Equal(t, "payload too large", out["error"])
	assert.Equal(t, 0, repo.Calls(billingtest.OpClaim))
}

func TestHandleStripeWebhook_StoreDown(t *testing.T) {
	app, repo := newTestApp(t, 64*1024)
	repo.FailAlways(billingtest.OpClaim, errors.New("dial tcp: connection refused"))
	body := invoiceEvent(t, "evt_http_3")

	status, out := post(t, app, body, sign(body))
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "idempotency store unavailable", out["error"])
}

func TestHandleHealth(t *testing.T) {
	app, repo := newTestApp(t, 1024)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	repo.FailAlways(billingtest.OpPing, errors.New("server has gone away"))
	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

type recordingProcessor struct {
	raw      []byte
	tooLarge []int
}

func (p *recordingProcessor) Process(ctx context.Context, raw []byte, signature string) webhook.Outcome {
	p.raw = raw
	return webhook.Outcome{Kind: webhook.OutcomeRejected, DeliveryID: "d1", Err: webhook.ErrMalformedPayload}
}

func (p *recordingProcessor) TooLarge(size int) webhook.Outcome {
	p.tooLarge = append(p.tooLarge, size)
	return webhook.Outcome{Kind: webhook.OutcomeTooLarge, DeliveryID: "d2"}
}

func gzipped(t *testing.T, size int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(bytes.Repeat([]byte("x"), size))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func postEncoded(t *testing.T, app *fiber.App, body []byte) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderContentEncoding, "gzip")
	req.Header.Set(StripeSignatureHeader, "t=1,v1=deadbeef")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestHandleStripeWebhook_CompressedBodyIsNotInflated(t *testing.T) {
	proc := &recordingProcessor{}
	app := fiber.New()
	app.Post("/webhooks/stripe", NewWebhookController(proc, 64*1024).HandleStripeWebhook)

	// 8 MiB of payload compresses to a few KiB.
	body := gzipped(t, 8<<20)
	require.Less(t, len(body), 64*1024)

	status := postEncoded(t, app, body)

	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Empty(t, proc.tooLarge)
	assert.Equal(t, body, proc.raw, "processor must see the bytes as sent")
}

func TestHandleStripeWebhook_CompressedBodyOverLimit(t *testing.T) {
	proc := &recordingProcessor{}
	app := fiber.New()
	app.Post("/webhooks/stripe", NewWebhookController(proc, 16).HandleStripeWebhook)

	body := gzipped(t, 1024)
	require.Greater(t, len(body), 16)

	status := postEncoded(t, app, body)

	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)
	assert.Equal(t, []int{len(body)}, proc.tooLarge)
	assert.Nil(t, proc.raw)
}
