// services/idempotency.go
package services

import (
	"sync"

	"squares-fundraiser/models"

	"gorm.io/gorm"
)

// PaymentState is what the ledger already knows about a provider payment id.
type PaymentState int

const (
	StateNew PaymentState = iota
	StatePending
	StateSucceeded
	StateFailed
)

func (s PaymentState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "new"
	}
}

// PaymentCheck is the guard's verdict plus the rows it was derived from.
type PaymentCheck struct {
	State     PaymentState
	Donations []models.Donation
}

// Pending returns the rows still awaiting resolution.
func (c PaymentCheck) Pending() []models.Donation {
	var out []models.Donation
	for _, d := range c.Donations {
		if d.Status == models.DonationPending {
			out = append(out, d)
		}
	}
	return out
}

// checkPayment classifies a payment id by the donations sharing it as batch id.
// Success wins over everything, then pending, then failed. It takes no row locks:
// callers re-read after locking the owning players, which every donation writer holds.
func checkPayment(tx *gorm.DB, provider models.PaymentProvider, paymentID string) (PaymentCheck, error) {
	var rows []models.Donation
	if err := tx.
		Where("payment_provider = ? AND batch_id = ?", provider, paymentID).
		Order("payment_id ASC").
		Find(&rows).Error; err != nil {
		return PaymentCheck{}, err
	}

	check := PaymentCheck{State: StateNew, Donations: rows}
	var pending, failed bool
	for _, d := range rows {
		switch d.Status {
		case models.DonationSucceeded:
			check.State = StateSucceeded
			return check, nil
		case models.DonationPending:
			pending = true
		case models.DonationFailed:
			failed = true
		}
	}
	switch {
	case pending:
		check.State = StatePending
	case failed:
		check.State = StateFailed
	}
	return check, nil
}

// KeyedMutex serializes work per key inside one process. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func paymentKey(provider models.PaymentProvider, paymentID string) string {
	return string(provider) + ":" + paymentID
}
