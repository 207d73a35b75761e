package main

import (
	"fmt"

	"squares-fundraiser/models"
	"squares-fundraiser/workers"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DatabaseURL string
	Actor       string
	Format      string // "json" | "text"

	// openDB is swapped in tests.
	openDB func(dsn string) (*gorm.DB, error)
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(openPostgres)
}

func newRootCommand(openDB func(dsn string) (*gorm.DB, error)) *cobra.Command {
	opts := &RootOptions{openDB: openDB}

	cmd := &cobra.Command{
		Use:   "fundraiserctl",
		Short: "Operate the squares fundraiser ledger",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	_ = godotenv.Load()

	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "postgres DSN (default $DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", "fundraiserctl", "staff id recorded in the audit trail")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewVerifyLedgerCommand(opts))
	cmd.AddCommand(NewRandomizeCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func openPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
}

// session is one command's database handle plus an audit queue flushed on close.
type session struct {
	DB      *gorm.DB
	Effects *workers.SideEffectQueue
}

func (o *RootOptions) open() (*session, error) {
	dsn := o.DatabaseURL
	if dsn == "" {
		dsn = envDatabaseURL()
	}
	if dsn == "" {
		return nil, fmt.Errorf("no database: pass --database-url or set DATABASE_URL")
	}
	db, err := o.openDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	q := workers.NewSideEffectQueue(workers.NewDBAuditSink(db, nil), workers.LogNotifier{}, 64, workers.WithWorkers(1))
	q.Start()
	return &session{DB: db, Effects: q}, nil
}

func (s *session) Close() {
	s.Effects.Close()
}
