package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"squares-fundraiser/models"
)

const squareSignatureHeader = "X-Square-Hmacsha256-Signature"

// SquareUpAdapter handles Square (squareup.com) payment notifications. Square signs
// base64(HMAC-SHA256(key, notificationURL + body)).
type SquareUpAdapter struct {
	signatureKey    string
	notificationURL string
}

func NewSquareUpAdapter(signatureKey, notificationURL string) *SquareUpAdapter {
	return &SquareUpAdapter{signatureKey: signatureKey, notificationURL: notificationURL}
}

func (a *SquareUpAdapter) Provider() models.PaymentProvider { return models.ProviderSquare }

func (a *SquareUpAdapter) Verify(req WebhookRequest) error {
	if a.signatureKey == "" {
		return ErrSecretNotConfigured
	}
	got := ""
	if req.Header != nil {
		got = req.Header(squareSignatureHeader)
	}
	if got == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, squareSignatureHeader)
	}
	// Square signs the URL registered in the dashboard, which differs from the
	// request URL behind a proxy.
	url := a.notificationURL
	if url == "" {
		url = req.URL
	}
	want := SignSquarePayload(a.signatureKey, url, req.Body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignSquarePayload computes the signature Square sends for body delivered to url.
func SignSquarePayload(key, url string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(url))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type squareWebhook struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Data    struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *squarePayment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type squarePayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	OrderID     string `json:"order_id"`
	Note        string `json:"note"`
	BuyerEmail  string `json:"buyer_email_address"`
	AmountMoney *struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
}

func (a *SquareUpAdapter) Parse(body []byte) (*PaymentEvent, error) {
	var wh squareWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if wh.Type != "payment.created" && wh.Type != "payment.updated" {
		return nil, nil
	}
	p := wh.Data.Object.Payment
	if p == nil || p.ID == "" {
		return nil, fmt.Errorf("%w: %s without payment object", ErrMalformedPayload, wh.Type)
	}

	var kind EventKind
	switch strings.ToUpper(p.Status) {
	case "COMPLETED":
		kind = EventCompleted
	case "FAILED", "CANCELED":
		kind = EventFailed
	default:
		kind = EventUpdated
	}

	ev := &PaymentEvent{
		Provider:  models.ProviderSquare,
		PaymentID: p.ID,
		SquareID:  strings.TrimSpace(p.ReferenceID),
		Kind:      kind,
		OrderID:   p.OrderID,
		Donor:     Donor{Email: p.BuyerEmail},
	}
	if p.AmountMoney != nil {
		ev.AmountCents = p.AmountMoney.Amount
	}
	return ev, nil
}
