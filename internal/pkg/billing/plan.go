package billing

import (
	"strings"

	"github.com/storefront/webhooks/app/models"
)

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func normalizePlan(plan string) string {
	p := strings.ToLower(strings.TrimSpace(plan))
	if p == "" {
		return models.PlanNone
	}
	return p
}

// normalizeStatus maps provider subscription states onto the stored set.
// Unknown states are kept as incomplete so they never grant access.
func normalizeStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case models.SubscriptionStatusActive,
		models.SubscriptionStatusTrialing,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
		models.SubscriptionStatusIncomplete,
		models.SubscriptionStatusExpired,
		models.SubscriptionStatusUnpaid,
		models.SubscriptionStatusPaused:
		return s
	case "":
		return models.SubscriptionStatusActive
	default:
		return models.SubscriptionStatusIncomplete
	}
}
