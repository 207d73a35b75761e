// config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"squares-fundraiser/providers"
	"squares-fundraiser/utils"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL    string
	Port           string
	AllowedOrigins string
	AdminAPIToken  string

	Providers providers.Credentials

	MailRelayURL   string
	MailRelayToken string
	MailFrom       string

	R2        utils.R2Config
	R2Enabled bool

	DenominationsCents  []int64
	LedgerCheckInterval time.Duration
	SideEffectWorkers   int
	SideEffectQueueSize int
}

const defaultDenominations = "5,10,20,25"

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		Port:           getenv("PORT", "5200"),
		AllowedOrigins: getenv("ALLOWED_ORIGINS", "http://localhost:3000"),
		AdminAPIToken:  os.Getenv("ADMIN_API_TOKEN"),
		Providers:      ProviderCredentials(),
		MailRelayURL:   os.Getenv("MAIL_RELAY_URL"),
		MailRelayToken: os.Getenv("MAIL_RELAY_TOKEN"),
		MailFrom:       getenv("MAIL_FROM", "no-reply@localhost"),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	cfg.R2, cfg.R2Enabled = utils.R2ConfigFromEnv()

	var err error
	if cfg.DenominationsCents, err = ParseDenominations(getenv("SQUARE_DENOMINATIONS", defaultDenominations)); err != nil {
		return nil, fmt.Errorf("SQUARE_DENOMINATIONS: %w", err)
	}
	if cfg.LedgerCheckInterval, err = time.ParseDuration(getenv("LEDGER_CHECK_INTERVAL", "15m")); err != nil {
		return nil, fmt.Errorf("LEDGER_CHECK_INTERVAL: %w", err)
	}
	if cfg.SideEffectWorkers, err = strconv.Atoi(getenv("SIDE_EFFECT_WORKERS", "4")); err != nil {
		return nil, fmt.Errorf("SIDE_EFFECT_WORKERS: %w", err)
	}
	if cfg.SideEffectQueueSize, err = strconv.Atoi(getenv("SIDE_EFFECT_QUEUE_SIZE", "256")); err != nil {
		return nil, fmt.Errorf("SIDE_EFFECT_QUEUE_SIZE: %w", err)
	}
	return cfg, nil
}

// ProviderCredentials re-reads provider secrets from the environment. Used at startup and
// by the admin reload endpoint.
func ProviderCredentials() providers.Credentials {
	return providers.Credentials{
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SquareSignatureKey:    os.Getenv("SQUARE_WEBHOOK_SIGNATURE_KEY"),
		SquareNotificationURL: os.Getenv("SQUARE_WEBHOOK_URL"),
	}
}

// ParseDenominations turns "5,10,20.50" (dollars) into cents.
func ParseDenominations(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cents, err := utils.ParseDollars(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, cents)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no denominations")
	}
	return out, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
