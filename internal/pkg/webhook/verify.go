package webhook

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

var (
	// ErrInvalidSignature covers a missing header, a malformed signature,
	// a mismatch and an expired timestamp.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedPayload means the signed body is not a usable event.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingEventID means the event has no usable id.
	ErrMissingEventID = errors.New("missing event id")
)

var eventIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)

// envelope is validated after the signature check; ids are untrusted input
// and become database keys.
type envelope struct {
	ID   string `validate:"required,max=191,eventid"`
	Type string `validate:"required,max=100"`
}

// Verifier authenticates raw webhook bodies against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	validate  *validator.Validate
}

// NewVerifier creates a verifier. A zero tolerance uses the Stripe default.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	v := validator.New()
	_ = v.RegisterValidation("eventid", func(fl validator.FieldLevel) bool {
		return eventIDPattern.MatchString(fl.Field().String())
	})
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, validate: v}
}

// Verify checks the signature header against the untouched body and decodes
// the event. It fails closed: without a secret nothing verifies.
func (v *Verifier) Verify(raw []byte, header string) (*Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	evt, err := stripewebhook.ConstructEventWithOptions(raw, header, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, stripewebhook.ErrNotSigned),
			errors.Is(err, stripewebhook.ErrInvalidHeader),
			errors.Is(err, stripewebhook.ErrNoValidSignature),
			errors.Is(err, stripewebhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	if strings.TrimSpace(evt.ID) == "" {
		return nil, ErrMissingEventID
	}
	if err := v.validate.Struct(envelope{ID: evt.ID, Type: string(evt.Type)}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedPayload)
	}

	eventType := EventType(evt.Type)
	payload, err := decodePayload(eventType, evt.Data.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var created time.Time
	if evt.Created > 0 {
		created = time.Unix(evt.Created, 0).UTC()
	}
	return &Event{
		ID:      evt.ID,
		Type:    eventType,
		Created: created,
		Payload: payload,
		Raw:     raw,
	}, nil
}
