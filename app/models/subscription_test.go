package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscription_IsEntitling(t *testing.T) {
	for _, status := range []string{SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue} {
		s := Subscription{Status: status}
		assert.True(t, s.IsEntitling(), "expected status %q to be entitling", status)
	}
	for _, status := range []string{SubscriptionStatusCanceled, SubscriptionStatusIncomplete, SubscriptionStatusExpired, SubscriptionStatusPaused, SubscriptionStatusUnpaid} {
		s := Subscription{Status: status}
		assert.False(t, s.IsEntitling(), "expected status %q to be non-entitling", status)
	}
}

func TestWebhookEvent_IsReleased(t *testing.T) {
	e := WebhookEvent{Released: true}
	assert.True(t, e.IsReleased())
	assert.False(t, e.IsProcessed())

	processed := WebhookEvent{Released: true}
	now := processed.CreatedAt
	processed.ProcessedAt = &now
	assert.False(t, processed.IsReleased())
	assert.True(t, processed.IsProcessed())
}
