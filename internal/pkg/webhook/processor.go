package webhook

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/storefront/webhooks/app/models"
	"github.com/storefront/webhooks/internal/pkg/archive"
	"github.com/storefront/webhooks/internal/pkg/billing"
	"github.com/storefront/webhooks/internal/pkg/metrics"
)

// DefaultDuplicateWindow is the sender's maximum redelivery window.
const DefaultDuplicateWindow = 24 * time.Hour

// ProcessorConfig tunes the idempotency claim.
type ProcessorConfig struct {
	// DuplicateWindow is how long redeliveries are expected. Duplicates seen
	// later are logged as anomalies but still skipped.
	DuplicateWindow time.Duration
	// ClaimLease is how long an unfinished claim blocks redeliveries before
	// another delivery may take it over. Zero disables takeover.
	ClaimLease time.Duration
}

// Processor runs one delivery through verification, claim, routing and
// bookkeeping.
type Processor struct {
	verifier *Verifier
	store    Store
	router   *Router
	archive  archive.Sink
	detacher *Detacher
	cfg      ProcessorConfig
	now      func() time.Time
}

// NewProcessor wires the pipeline. A nil sink disables archiving.
func NewProcessor(v *Verifier, store Store, router *Router, sink archive.Sink, d *Detacher, cfg ProcessorConfig) *Processor {
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if d == nil {
		d = NewDetacher(0)
	}
	return &Processor{
		verifier: v,
		store:    store,
		router:   router,
		archive:  sink,
		detacher: d,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Process handles a raw body and its signature header. The body must be the
// bytes exactly as received.
func (p *Processor) Process(ctx context.Context, raw []byte, signature string) Outcome {
	start := p.now()
	out := p.process(ctx, raw, signature)

	resp := Classify(out)
	eventType := "unverified"
	if out.Event != nil {
		eventType = string(out.Event.Type)
	}
	metrics.WebhookOutcomes.WithLabelValues(strconv.Itoa(resp.Status), out.Kind.String()).Inc()
	metrics.WebhookDuration.WithLabelValues(eventType).Observe(p.now().Sub(start).Seconds())
	return out
}

func (p *Processor) process(ctx context.Context, raw []byte, signature string) Outcome {
	deliveryID := uuid.NewString()

	evt, err := p.verifier.Verify(raw, signature)
	if err != nil {
		log.Warnf("[Webhook] Delivery %s rejected: %v", deliveryID, err)
		metrics.WebhooksRejected.WithLabelValues(rejectReason(err)).Inc()
		return Outcome{Kind: OutcomeRejected, DeliveryID: deliveryID, Err: err}
	}
	metrics.WebhooksReceived.WithLabelValues(string(evt.Type)).Inc()
	log.Infof("[Webhook] Delivery %s: event %s (%s) verified", deliveryID, evt.ID, evt.Type)

	claim, err := p.store.ClaimWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: evt.ID,
		EventType:       string(evt.Type),
	}, p.cfg.ClaimLease)
	if err != nil {
		log.Errorf("[Webhook] Delivery %s: claim of %s failed: %v", deliveryID, evt.ID, err)
		return Outcome{Kind: OutcomeStoreUnavailable, DeliveryID: deliveryID, Event: evt, Err: err}
	}

	if claim.Duplicate() {
		p.logDuplicate(deliveryID, evt, claim)
		return Outcome{Kind: OutcomeDuplicate, DeliveryID: deliveryID, Event: evt}
	}
	if claim.Reclaimed {
		log.Warnf("[Webhook] Delivery %s: reprocessing unfinished event %s (attempt %d)", deliveryID, evt.ID, claim.Record.Attempts)
	}

	p.archiveEvent(deliveryID, evt)

	result := p.router.Dispatch(ctx, evt)
	p.finish(ctx, deliveryID, evt, result)
	return Outcome{Kind: OutcomeHandled, DeliveryID: deliveryID, Event: evt, Result: result}
}

func (p *Processor) logDuplicate(deliveryID string, evt *Event, claim *billing.ClaimOutcome) {
	firstSeen := claim.Record.FirstSeenAt()
	age := p.now().Sub(firstSeen)
	switch {
	case claim.InFlight():
		metrics.WebhooksDuplicate.WithLabelValues("in_flight").Inc()
		log.Infof("[Webhook] Delivery %s: event %s is being processed by another delivery, skipping", deliveryID, evt.ID)
	case age > p.cfg.DuplicateWindow:
		// Event ids are never reused for new events; reprocessing would
		// risk applying side effects twice.
		metrics.WebhooksDuplicate.WithLabelValues("outside_window").Inc()
		log.Warnf("[Webhook] Delivery %s: event %s first seen %s ago, outside the %s window; treating as handled",
			deliveryID, evt.ID, age.Round(time.Second), p.cfg.DuplicateWindow)
	default:
		metrics.WebhooksDuplicate.WithLabelValues("processed").Inc()
		log.Infof("[Webhook] Delivery %s: duplicate event %s (first seen %s), skipping", deliveryID, evt.ID, firstSeen.Format(time.RFC3339))
	}
}

func (p *Processor) archiveEvent(deliveryID string, evt *Event) {
	if p.archive == nil {
		return
	}
	rec := archive.Record{
		EventID:    evt.ID,
		Type:       string(evt.Type),
		DeliveryID: deliveryID,
		Body:       string(evt.Raw),
		ReceivedAt: p.now(),
	}
	p.detacher.Go(Task{
		Kind: "archive",
		Name: "archive " + evt.ID,
		Run: func(ctx context.Context) error {
			return p.archive.Store(ctx, rec)
		},
	})
}

// finish settles the claim. A transient failure hands the claim back so the
// sender's retry runs the handler again; anything else completes it.
func (p *Processor) finish(ctx context.Context, deliveryID string, evt *Event, result HandlerResult) {
	// Bookkeeping must not be lost when the sender hangs up.
	ctx = context.WithoutCancel(ctx)

	for _, w := range result.Warnings {
		log.Warnf("[Webhook] Delivery %s: event %s: %s", deliveryID, evt.ID, w)
	}

	if result.IsTransient() {
		log.Warnf("[Webhook] Delivery %s: event %s failed transiently after %d retries: %s",
			deliveryID, evt.ID, result.Error.Retries, result.Error.Message)
		if err := p.store.ReleaseWebhookEvent(ctx, models.BillingProviderStripe, evt.ID); err != nil {
			log.Errorf("[Webhook] Delivery %s: release of %s failed, retry waits for the claim lease: %v", deliveryID, evt.ID, err)
		}
		return
	}

	var processingErr error
	if result.Error != nil {
		processingErr = errors.New(result.Error.Message)
		log.Errorf("[Webhook] Delivery %s: event %s failed permanently: %s", deliveryID, evt.ID, result.Error.Message)
	} else {
		log.Infof("[Webhook] Delivery %s: event %s processed", deliveryID, evt.ID)
	}
	if err := p.store.CompleteWebhookEvent(ctx, models.BillingProviderStripe, evt.ID, processingErr); err != nil {
		log.Errorf("[Webhook] Delivery %s: could not mark %s processed: %v", deliveryID, evt.ID, err)
	}
}

// TooLarge records a delivery refused by the body size guard.
func (p *Processor) TooLarge(size int) Outcome {
	deliveryID := uuid.NewString()
	log.Warnf("[Webhook] Delivery %s rejected: body of %d bytes exceeds limit", deliveryID, size)
	metrics.WebhooksRejected.WithLabelValues("too_large").Inc()
	out := Outcome{Kind: OutcomeTooLarge, DeliveryID: deliveryID}
	metrics.WebhookOutcomes.WithLabelValues(strconv.Itoa(Classify(out).Status), out.Kind.String()).Inc()
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrMissingEventID):
		return "missing_id"
	default:
		return "malformed"
	}
}
