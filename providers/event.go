// Package providers turns untrusted payment-provider notifications into canonical payment
// events. Each provider proves authenticity its own way; everything downstream only ever
// sees a PaymentEvent.
package providers

import (
	"errors"
	"fmt"
	"strings"

	"squares-fundraiser/models"
)

// EventKind is the normalized outcome a notification reports.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventUpdated   EventKind = "updated"
	EventFailed    EventKind = "failed"
)

var (
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrSecretNotConfigured  = errors.New("webhook signing secret not configured")
	ErrMalformedPayload     = errors.New("malformed webhook payload")
	ErrProviderNotSupported = errors.New("payment provider not supported")
)

// Donor carries the display fields a supporter chose at checkout.
type Donor struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Anonymous bool   `json:"anonymous"`
}

// PaymentEvent is the provider-agnostic form of a payment notification.
// AmountCents is zero when the provider did not report an amount.
type PaymentEvent struct {
	Provider    models.PaymentProvider
	PaymentID   string
	SquareID    string
	AmountCents int64
	Kind        EventKind
	OrderID     string
	Donor       Donor
}

// Validate rejects events that cannot be routed to the ledger.
func (e *PaymentEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: empty event", ErrMalformedPayload)
	}
	if !e.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrMalformedPayload, e.Provider)
	}
	if strings.TrimSpace(e.PaymentID) == "" {
		return fmt.Errorf("%w: missing payment id", ErrMalformedPayload)
	}
	switch e.Kind {
	case EventCompleted, EventUpdated, EventFailed:
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrMalformedPayload, e.Kind)
	}
	if e.AmountCents < 0 {
		return fmt.Errorf("%w: negative amount", ErrMalformedPayload)
	}
	return nil
}
