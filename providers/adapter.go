package providers

import "squares-fundraiser/models"

// WebhookRequest is the raw inbound notification as received over HTTP.
type WebhookRequest struct {
	Body   []byte
	URL    string
	Header func(key string) string
}

// Adapter verifies and normalizes one provider's webhooks.
//
// Parse returns (nil, nil) for notification types that carry no payment outcome; those
// are acknowledged and ignored by the caller.
type Adapter interface {
	Provider() models.PaymentProvider
	Verify(req WebhookRequest) error
	Parse(body []byte) (*PaymentEvent, error)
}
