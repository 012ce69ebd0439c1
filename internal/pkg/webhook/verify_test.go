package webhook

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_PaymentSucceeded(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	body := eventJSON(t, "evt_1", EventPaymentSucceeded, created, paymentIntent("pi_1", "ord_123", "a@b.com", 5000))

	evt, err := NewVerifier(testSecret, 0).Verify(body, sign(body))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, EventPaymentSucceeded, evt.Type)
	assert.True(t, evt.Created.Equal(created))
	assert.Equal(t, body, evt.Raw)

	p, ok := evt.Payload.(PaymentSucceeded)
	require.True(t, ok, "payload is %T", evt.Payload)
	assert.Equal(t, "pi_1", p.Intent.ID)
	assert.Equal(t, "ord_123", p.Intent.OrderID())
	assert.Equal(t, "a@b.com", p.Intent.Email())
	assert.Equal(t, int64(5000), p.Intent.CapturedAmount())
}

func TestVerify_Rejections(t *testing.T) {
	valid := eventJSON(t, "evt_1", EventInvoicePaid, time.Now(), map[string]any{"id": "in_1"})

	tests := []struct {
		name   string
		secret string
		body   []byte
		header string
		want   error
	}{
		{
			name:   "tampered body",
			secret: testSecret,
			body:   bytes.Replace(valid, []byte("in_1"), []byte("in_2"), 1),
			header: sign(valid),
			want:   ErrInvalidSignature,
		},
		{
			name:   "missing header",
			secret: testSecret,
			body:   valid,
			header: "",
			want:   ErrInvalidSignature,
		},
		{
			name:   "garbage header",
			secret: testSecret,
			body:   valid,
			header: "not-a-signature",
			want:   ErrInvalidSignature,
		},
		{
			name:   "wrong secret",
			secret: testSecret,
			body:   valid,
			header: signAt(valid, "whsec_other", time.Now()),
			want:   ErrInvalidSignature,
		},
		{
			name:   "expired timestamp",
			secret: testSecret,
			body:   valid,
			header: signAt(valid, testSecret, time.Now().Add(-time.Hour)),
			want:   ErrInvalidSignature,
		},
		{
			name:   "no secret configured",
			secret: "",
			body:   valid,
			header: sign(valid),
			want:   ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.secret, 0).Verify(tt.body, tt.header)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_MalformedSignedBodies(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want error
	}{
		{"not json", []byte("definitely not json"), ErrMalformedPayload},
		{"missing id", []byte(`{"type":"invoice.paid","data":{"object":{"id":"in_1"}}}`), ErrMissingEventID},
		{"id with spaces", []byte(`{"id":"evt 1; drop","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`), ErrMalformedPayload},
		{"id too long", []byte(`{"id":"` + string(bytes.Repeat([]byte("a"), 192)) + `","type":"invoice.paid","data":{"object":{}}}`), ErrMalformedPayload},
		{"missing type", []byte(`{"id":"evt_1","data":{"object":{}}}`), ErrMalformedPayload},
		{"missing data", []byte(`{"id":"evt_1","type":"invoice.paid"}`), ErrMalformedPayload},
		{"payment intent without id", []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"amount":1}}}`), ErrMalformedPayload},
		{"subscription wrong shape", []byte(`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","status":7}}}`), ErrMalformedPayload},
	}

	v := NewVerifier(testSecret, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.body, sign(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_UnknownTypeIsCarried(t *testing.T) {
	body := eventJSON(t, "evt_new", EventType("charge.dispute.funds_withdrawn"), time.Now(), map[string]any{"id": "dp_1"})

	evt, err := NewVerifier(testSecret, 0).Verify(body, sign(body))
	require.NoError(t, err)

	u, ok := evt.Payload.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "charge.dispute.funds_withdrawn", u.Type)
	assert.JSONEq(t, `{"id":"dp_1"}`, string(u.Raw))
}

func TestVerify_SubscriptionFields(t *testing.T) {
	obj := subscriptionObject("sub_1", "cus_1", "active", "price_pro")
	obj["customer"] = map[string]any{"id": "cus_expanded", "object": "customer"}
	body := eventJSON(t, "evt_sub", EventSubscriptionUpdated, time.Now(), obj)

	evt, err := NewVerifier(testSecret, 0).Verify(body, sign(body))
	require.NoError(t, err)

	p, ok := evt.Payload.(SubscriptionUpdated)
	require.True(t, ok)
	assert.Equal(t, "cus_expanded", p.Subscription.Customer.String())
	assert.Equal(t, "price_pro", p.Subscription.PriceID())

	start, end := p.Subscription.Period()
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.Equal(t, int64(1767225600), start.Unix())
	assert.Equal(t, int64(1769904000), end.Unix())
}

func TestPaymentIntent_EmailFallback(t *testing.T) {
	pi := PaymentIntent{ReceiptEmail: " r@shop.test ", Metadata: map[string]string{}}
	assert.Equal(t, "r@shop.test", pi.Email())
	assert.Equal(t, "", pi.OrderID())

	pi.Metadata["email"] = "m@shop.test"
	assert.Equal(t, "m@shop.test", pi.Email())
}
