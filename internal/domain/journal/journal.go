// Package journal records the outcome of every document synchronization so
// the order list can tell which orders already have a document.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry is one synchronization attempt.
type Entry struct {
	ID              uuid.UUID
	OrderID         string
	Status          string
	Reason          string
	DocumentID      string
	DocumentCreated bool
	Lines           int
	Skipped         int
	CouponPercent   decimal.Decimal
	SyncedAt        time.Time
}

// Repository persists journal entries.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	// Exists reports whether a document was ever created for the order.
	Exists(ctx context.Context, orderID string) (bool, error)
	// SyncedOrderIDs lists every order with a created document.
	SyncedOrderIDs(ctx context.Context) ([]string, error)
}

const (
	filterCapacity = 100_000
	filterFPR      = 0.001
)

// SeenFilter answers "was this order synced" without a database round trip
// for the common negative case. Positives are confirmed against the
// repository.
type SeenFilter struct {
	repo Repository

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewSeenFilter creates an empty filter over repo.
func NewSeenFilter(repo Repository) *SeenFilter {
	return &SeenFilter{
		repo:   repo,
		filter: bloom.NewWithEstimates(filterCapacity, filterFPR),
	}
}

// Warm loads every synced order id from the repository.
func (f *SeenFilter) Warm(ctx context.Context) (int, error) {
	ids, err := f.repo.SyncedOrderIDs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load synced orders")
	}
	f.mu.Lock()
	for _, id := range ids {
		f.filter.AddString(id)
	}
	f.mu.Unlock()
	return len(ids), nil
}

// Record stores e and remembers the order when a document was created.
func (f *SeenFilter) Record(ctx context.Context, e *Entry) error {
	if err := f.repo.Record(ctx, e); err != nil {
		return errors.Wrap(err, "record journal entry")
	}
	if e.DocumentCreated {
		f.mu.Lock()
		f.filter.AddString(e.OrderID)
		f.mu.Unlock()
	}
	return nil
}

// MaybeSynced reports false only when the order was definitely never synced.
func (f *SeenFilter) MaybeSynced(orderID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(orderID)
}

// Synced checks the filter first and confirms positives in the repository.
func (f *SeenFilter) Synced(ctx context.Context, orderID string) (bool, error) {
	if !f.MaybeSynced(orderID) {
		return false, nil
	}
	ok, err := f.repo.Exists(ctx, orderID)
	if err != nil {
		return false, errors.Wrapf(err, "check order %s", orderID)
	}
	return ok, nil
}
