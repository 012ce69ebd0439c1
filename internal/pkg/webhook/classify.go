package webhook

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// OutcomeKind is the stage at which processing of a delivery ended.
type OutcomeKind int

const (
	// OutcomeRejected: signature or payload check failed.
	OutcomeRejected OutcomeKind = iota
	// OutcomeTooLarge: body exceeded the size guard.
	OutcomeTooLarge
	// OutcomeStoreUnavailable: the idempotency claim could not be made.
	OutcomeStoreUnavailable
	// OutcomeDuplicate: the event id was already claimed.
	OutcomeDuplicate
	// OutcomeHandled: a handler ran; see Result.
	OutcomeHandled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRejected:
		return "rejected"
	case OutcomeTooLarge:
		return "too_large"
	case OutcomeStoreUnavailable:
		return "store_unavailable"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeHandled:
		return "handled"
	default:
		return "unknown"
	}
}

// Outcome is the aggregate result of one delivery.
type Outcome struct {
	Kind       OutcomeKind
	DeliveryID string
	Event      *Event
	Err        error
	Result     HandlerResult
}

// ResponseBody is the JSON answer to the sender.
type ResponseBody struct {
	Received bool   `json:"received,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Warning  string `json:"warning,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Response is the HTTP status and body for an outcome.
type Response struct {
	Status int
	Body   ResponseBody
}

// Classify maps an outcome to the status that tells the sender whether to
// retry: 5xx only for failures a later retry can fix, 200 with a warning for
// failures it cannot.
func Classify(o Outcome) Response {
	switch o.Kind {
	case OutcomeTooLarge:
		return Response{Status: fiber.StatusRequestEntityTooLarge, Body: ResponseBody{Error: "payload too large"}}

	case OutcomeRejected:
		return Response{Status: fiber.StatusBadRequest, Body: ResponseBody{Error: rejectMessage(o.Err)}}

	case OutcomeStoreUnavailable:
		return Response{Status: fiber.StatusInternalServerError, Body: ResponseBody{Error: "idempotency store unavailable"}}

	case OutcomeDuplicate:
		return Response{Status: fiber.StatusOK, Body: ResponseBody{Received: true, Skipped: true}}

	case OutcomeHandled:
		r := o.Result
		if r.Success || r.Error == nil {
			return Response{Status: fiber.StatusOK, Body: ResponseBody{Received: true}}
		}
		if r.Error.Code == CodeTransient {
			return Response{Status: fiber.StatusInternalServerError, Body: ResponseBody{Error: "temporary failure, retry later"}}
		}
		return Response{Status: fiber.StatusOK, Body: ResponseBody{Received: true, Warning: r.Error.Message}}
	}

	return Response{Status: fiber.StatusInternalServerError, Body: ResponseBody{Error: "internal error"}}
}

func rejectMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return ErrInvalidSignature.Error()
	case errors.Is(err, ErrMissingEventID):
		return ErrMissingEventID.Error()
	default:
		return ErrMalformedPayload.Error()
	}
}
