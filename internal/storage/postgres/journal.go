package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/ordersync/internal/domain/journal"
)

const (
	insertJournalEntrySQL = `INSERT INTO sync_journal
	(id, order_id, status, reason, document_id, document_created, lines, skipped, coupon_percent, synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	journalExistsSQL = `SELECT EXISTS (
	SELECT 1 FROM sync_journal WHERE order_id = $1 AND document_created)`

	syncedOrderIDsSQL = `SELECT DISTINCT order_id FROM sync_journal WHERE document_created`

	latestEntriesSQL = `SELECT id, order_id, status, reason, document_id, document_created,
	lines, skipped, coupon_percent, synced_at
	FROM sync_journal WHERE order_id = $1 ORDER BY synced_at DESC LIMIT $2`
)

var _ journal.Repository = (*JournalRepository)(nil)

// JournalRepository stores synchronization outcomes.
type JournalRepository struct {
	pool *pgxpool.Pool
}

// NewJournalRepository returns a JournalRepository that uses the given pool.
func NewJournalRepository(pool *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{pool: pool}
}

// Record inserts e.
func (r *JournalRepository) Record(ctx context.Context, e *journal.Entry) error {
	_, err := r.pool.Exec(ctx, insertJournalEntrySQL,
		e.ID, e.OrderID, e.Status, e.Reason, e.DocumentID, e.DocumentCreated,
		e.Lines, e.Skipped, e.CouponPercent, e.SyncedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert journal entry for order %q", e.OrderID)
	}
	return nil
}

// Exists reports whether a document was created for orderID.
func (r *JournalRepository) Exists(ctx context.Context, orderID string) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, journalExistsSQL, orderID).Scan(&ok); err != nil {
		return false, errors.Wrapf(err, "check journal for order %q", orderID)
	}
	return ok, nil
}

// SyncedOrderIDs lists every order with a created document.
func (r *JournalRepository) SyncedOrderIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, syncedOrderIDsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "query synced orders")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "collect synced orders")
	}
	return ids, nil
}

// Latest returns up to limit entries for orderID, newest first.
func (r *JournalRepository) Latest(ctx context.Context, orderID string, limit int) ([]journal.Entry, error) {
	rows, err := r.pool.Query(ctx, latestEntriesSQL, orderID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "query journal for order %q", orderID)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var e journal.Entry
		err := row.Scan(
			&e.ID, &e.OrderID, &e.Status, &e.Reason, &e.DocumentID, &e.DocumentCreated,
			&e.Lines, &e.Skipped, &e.CouponPercent, &e.SyncedAt,
		)
		return e, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "collect journal for order %q", orderID)
	}
	return entries, nil
}
