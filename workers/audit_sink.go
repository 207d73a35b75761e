// workers/audit_sink.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"squares-fundraiser/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Archiver stores a copy of each audit entry outside the database (R2/S3).
type Archiver interface {
	ArchiveAuditEntry(ctx context.Context, entry models.AuditEntry, body []byte) error
}

// DBAuditSink writes audit entries to the audit_entries table and, when an archiver is
// configured, mirrors them to object storage. Both writes are keyed by the event id, so a
// retry after a partial failure does not duplicate anything.
type DBAuditSink struct {
	DB      *gorm.DB
	Archive Archiver
}

func NewDBAuditSink(db *gorm.DB, archive Archiver) *DBAuditSink {
	return &DBAuditSink{DB: db, Archive: archive}
}

func (s *DBAuditSink) Record(ctx context.Context, ev AuditEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	entry := models.AuditEntry{
		ID:          ev.ID,
		EventType:   ev.EventType,
		ActorUserID: ev.ActorUserID,
		PlayerID:    ev.PlayerID,
		SquareID:    ev.SquareID,
		DonationID:  ev.DonationID,
		Details:     string(raw),
		CreatedAt:   ev.OccurredAt,
	}

	if err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	if s.Archive == nil {
		return nil
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	if err := s.Archive.ArchiveAuditEntry(ctx, entry, body); err != nil {
		return fmt.Errorf("failed to archive audit entry %s: %w", entry.ID, err)
	}
	log.Printf("🗄️ [AUDIT] %s archived (%s)", entry.EventType, entry.ID)
	return nil
}
