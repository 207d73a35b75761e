package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"squares-fundraiser/config"
	"squares-fundraiser/handlers"
	"squares-fundraiser/models"
	"squares-fundraiser/providers"
	"squares-fundraiser/services"
	"squares-fundraiser/utils"
	"squares-fundraiser/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration:", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Side effects: audit trail (+ optional R2 archive) and donor receipts ---
	var archive workers.Archiver
	if cfg.R2Enabled {
		r2, err := utils.NewR2AuditArchive(ctx, cfg.R2)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		archive = r2
		log.Printf("✅ Audit entries archived to R2 bucket %s", cfg.R2.Bucket)
	}

	var notifier workers.Notifier = workers.LogNotifier{}
	if cfg.MailRelayURL != "" {
		notifier = workers.NewMailRelayNotifier(cfg.MailRelayURL, cfg.MailRelayToken, cfg.MailFrom)
	} else {
		log.Println("⚠️  MAIL_RELAY_URL not set, donor receipts will only be logged")
	}

	effects := workers.NewSideEffectQueue(
		workers.NewDBAuditSink(db, archive),
		notifier,
		cfg.SideEffectQueueSize,
		workers.WithWorkers(cfg.SideEffectWorkers),
	)
	effects.Start()

	// --- Services ---
	registry := providers.NewRegistry(cfg.Providers)
	ledger := services.NewReconciliationService(db, effects)
	grid := services.NewGridService(db, effects)
	checkout := services.NewCheckoutService(db, ledger, registry)
	webhooks := services.NewWebhookService(registry, ledger)

	sched, err := ledger.StartLedgerCheckScheduler(cfg.LedgerCheckInterval)
	if err != nil {
		log.Fatal("failed to start ledger check scheduler:", err)
	}

	// --- HTTP ---
	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // 1MB, webhook payloads are small
	})

	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	allowedOrigins := strings.Join(origins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		MaxAge:       86400,
	}))

	handlers.SetupPublicRoutes(app, grid, checkout)
	handlers.SetupWebhookRoutes(app, webhooks)
	handlers.SetupAdminRoutes(app, handlers.AdminDeps{
		Token:              cfg.AdminAPIToken,
		Grid:               grid,
		Ledger:             ledger,
		Webhooks:           webhooks,
		DenominationsCents: cfg.DenominationsCents,
		LoadCredentials:    config.ProviderCredentials,
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ Ledger check running (every %s)", cfg.LedgerCheckInterval)
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := sched.Shutdown(); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	// Webhooks already acknowledged still get their audit rows and receipts.
	effects.Close()
}
