// workers/notifier.go
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"squares-fundraiser/utils"

	"github.com/gosimple/unidecode"
)

// MailRelayNotifier sends donation receipts through the outbound mail relay.
type MailRelayNotifier struct {
	BaseURL string
	Token   string
	From    string
	Client  *http.Client
}

func NewMailRelayNotifier(baseURL, token, from string) *MailRelayNotifier {
	return &MailRelayNotifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		From:    from,
		Client:  utils.HTTPClient,
	}
}

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (m *MailRelayNotifier) NotifyDonation(ctx context.Context, n DonationNotice) error {
	if n.DonorEmail == "" {
		log.Printf("[MAIL] No donor email for transaction %s, skipping receipt", n.TransactionID)
		return nil
	}

	payload, err := json.Marshal(mailRequest{
		From:    m.From,
		To:      n.DonorEmail,
		Subject: ReceiptSubject(n),
		Text:    ReceiptBody(n),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.Token)

	resp, err := m.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mail relay request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, string(body))
	}
	log.Printf("📧 [MAIL] Receipt sent for transaction %s", n.TransactionID)
	return nil
}

// ReceiptSubject is kept ASCII so older mail clients render player names cleanly.
func ReceiptSubject(n DonationNotice) string {
	return "Thank you for supporting " + unidecode.Unidecode(n.PlayerName)
}

func ReceiptBody(n DonationNotice) string {
	var b strings.Builder
	name := n.DonorName
	if name == "" {
		name = "friend"
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	fmt.Fprintf(&b, "We received your donation of %s for %s.\n", utils.FormatCents(n.AmountCents), n.PlayerName)
	if len(n.SquareIDs) > 1 {
		fmt.Fprintf(&b, "Squares purchased: %d\n", len(n.SquareIDs))
	}
	fmt.Fprintf(&b, "Total raised so far: %s\n", utils.FormatCents(n.PreviousTotalCents+n.AmountCents))
	fmt.Fprintf(&b, "Transaction: %s\n", n.TransactionID)
	return b.String()
}

// LogNotifier is used when no mail relay is configured.
type LogNotifier struct{}

func (LogNotifier) NotifyDonation(_ context.Context, n DonationNotice) error {
	log.Printf("📧 [MAIL] (log only) %s donated %s to %s (tx %s)",
		displayDonor(n), utils.FormatCents(n.AmountCents), n.PlayerName, n.TransactionID)
	return nil
}

func displayDonor(n DonationNotice) string {
	if n.Anonymous || n.DonorName == "" {
		return "Anonymous"
	}
	return n.DonorName
}
