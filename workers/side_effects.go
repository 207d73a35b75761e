// workers/side_effects.go
package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is a domain event bound for the audit log. ID is assigned on enqueue so a
// retried write lands on the same row.
type AuditEvent struct {
	ID          string
	EventType   string
	ActorUserID string
	PlayerID    string
	SquareID    string
	DonationID  string
	Details     map[string]any
	OccurredAt  time.Time
}

// DonationNotice describes one completed payment (single square, batch, or manual).
type DonationNotice struct {
	PlayerID           string
	PlayerName         string
	SquareID           string
	SquareIDs          []string
	AmountCents        int64
	DonorName          string
	DonorEmail         string
	Anonymous          bool
	TransactionID      string
	PreviousTotalCents int64
}

// AuditSink persists audit events. Errors are retried by the queue, never surfaced to the ledger.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// Notifier delivers donation notifications (email).
type Notifier interface {
	NotifyDonation(ctx context.Context, n DonationNotice) error
}

// Emitter is what the ledger sees: fire-and-forget, never blocking.
type Emitter interface {
	Audit(ev AuditEvent)
	NotifyDonation(n DonationNotice)
}

type taskKind int

const (
	taskAudit taskKind = iota
	taskNotify
)

type task struct {
	kind   taskKind
	audit  AuditEvent
	notice DonationNotice
}

// SideEffectQueue runs audit and notification work on its own goroutines so ledger
// writes never wait on them.
type SideEffectQueue struct {
	audit    AuditSink
	notifier Notifier

	tasks       chan task
	workers     int
	maxAttempts int
	backoff     time.Duration
	taskTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type QueueOption func(*SideEffectQueue)

func WithWorkers(n int) QueueOption {
	return func(q *SideEffectQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithRetry(maxAttempts int, backoff time.Duration) QueueOption {
	return func(q *SideEffectQueue) {
		if maxAttempts > 0 {
			q.maxAttempts = maxAttempts
		}
		q.backoff = backoff
	}
}

func NewSideEffectQueue(audit AuditSink, notifier Notifier, size int, opts ...QueueOption) *SideEffectQueue {
	if size <= 0 {
		size = 256
	}
	q := &SideEffectQueue{
		audit:       audit,
		notifier:    notifier,
		tasks:       make(chan task, size),
		workers:     4,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		taskTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the workers. They exit once Close has drained the queue.
func (q *SideEffectQueue) Start() {
	log.Printf("🔁 [SIDE_EFFECTS] Starting %d side-effect worker(s)…", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for t := range q.tasks {
				q.run(t)
			}
		}()
	}
}

// Close stops accepting work, drains what is queued and waits for the workers.
func (q *SideEffectQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
	log.Println("⏹️ [SIDE_EFFECTS] Side-effect workers stopped")
}

func (q *SideEffectQueue) Audit(ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	q.enqueue(task{kind: taskAudit, audit: ev})
}

func (q *SideEffectQueue) NotifyDonation(n DonationNotice) {
	q.enqueue(task{kind: taskNotify, notice: n})
}

func (q *SideEffectQueue) enqueue(t task) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		log.Printf("⚠️ [SIDE_EFFECTS] Queue closed, dropping %s", t.describe())
		return
	}
	select {
	case q.tasks <- t:
	default:
		log.Printf("❌ [SIDE_EFFECTS] Queue full, dropping %s", t.describe())
	}
}

func (q *SideEffectQueue) run(t task) {
	var err error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
		err = q.exec(ctx, t)
		cancel()
		if err == nil {
			return
		}
		log.Printf("⚠️ [SIDE_EFFECTS] %s failed (attempt %d/%d): %v", t.describe(), attempt, q.maxAttempts, err)
		if attempt < q.maxAttempts && q.backoff > 0 {
			time.Sleep(q.backoff * time.Duration(attempt))
		}
	}
	log.Printf("❌ [SIDE_EFFECTS] Giving up on %s: %v", t.describe(), err)
}

func (q *SideEffectQueue) exec(ctx context.Context, t task) error {
	switch t.kind {
	case taskAudit:
		if q.audit == nil {
			return nil
		}
		return q.audit.Record(ctx, t.audit)
	case taskNotify:
		if q.notifier == nil {
			return nil
		}
		return q.notifier.NotifyDonation(ctx, t.notice)
	}
	return nil
}

func (t task) describe() string {
	if t.kind == taskAudit {
		return "audit " + t.audit.EventType + " (" + t.audit.ID + ")"
	}
	return "notification for transaction " + t.notice.TransactionID
}
