// Package handler serves the HTTP API on top of the storefront client, the
// synchronization service and the session manager.
package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/docsync"
	"github.com/xenking/ordersync/internal/domain/auth"
	"github.com/xenking/ordersync/internal/domain/journal"
	"github.com/xenking/ordersync/internal/domain/order"
	"github.com/xenking/ordersync/internal/session"
	"github.com/xenking/ordersync/internal/target"
)

// Synchronizer turns an order into a target document.
type Synchronizer interface {
	Synchronize(ctx context.Context, o *order.Order) *docsync.SyncResult
}

// SessionManager is the part of *session.Manager the API drives.
type SessionManager interface {
	Acquire(ctx context.Context) (target.Handle, error)
	Release(ctx context.Context, reason session.Reason)
	Touch()
	Status() session.Status
	Subscribe(buffer int) (<-chan session.StateChange, func())
}

// JournalReader lists past synchronizations of an order.
type JournalReader interface {
	Latest(ctx context.Context, orderID string, limit int) ([]journal.Entry, error)
}

// SyncedChecker reports whether a document was already created for an order.
type SyncedChecker interface {
	Synced(ctx context.Context, orderID string) (bool, error)
}

var (
	_ SessionManager = (*session.Manager)(nil)
	_ Synchronizer   = (*docsync.Service)(nil)
	_ SyncedChecker  = (*journal.SeenFilter)(nil)
)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// JournalLimit caps the entries returned by the journal endpoint.
	JournalLimit int
	// EventBuffer is the per-subscriber buffer of the session event stream.
	EventBuffer int
}

// Handler implements the /api routes.
type Handler struct {
	orders   order.Source
	syncer   Synchronizer
	sessions SessionManager
	journal  JournalReader
	seen     SyncedChecker

	journalLimit int
	eventBuffer  int
	lg           *zap.Logger
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	orders order.Source,
	syncer Synchronizer,
	sessions SessionManager,
	journal JournalReader,
	seen SyncedChecker,
	lg *zap.Logger,
) *Handler {
	if cfg.JournalLimit <= 0 {
		cfg.JournalLimit = 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Handler{
		orders:       orders,
		syncer:       syncer,
		sessions:     sessions,
		journal:      journal,
		seen:         seen,
		journalLimit: cfg.JournalLimit,
		eventBuffer:  cfg.EventBuffer,
		lg:           lg,
	}
}

// Register mounts the API routes on mux behind sec.
func (h *Handler) Register(mux *http.ServeMux, sec *SecurityHandler) {
	mux.Handle("GET /api/orders", sec.Require(auth.ScopeRead, http.HandlerFunc(h.ListOrders)))
	mux.Handle("GET /api/orders/{id}/journal", sec.Require(auth.ScopeRead, http.HandlerFunc(h.OrderJournal)))
	mux.Handle("POST /api/orders/{id}/sync", sec.Require(auth.ScopeSync, http.HandlerFunc(h.SyncOrder)))

	mux.Handle("GET /api/session", sec.Require(auth.ScopeSession, http.HandlerFunc(h.GetSession)))
	mux.Handle("POST /api/session", sec.Require(auth.ScopeSession, http.HandlerFunc(h.OpenSession)))
	mux.Handle("DELETE /api/session", sec.Require(auth.ScopeSession, http.HandlerFunc(h.CloseSession)))
	mux.Handle("GET /api/session/events", sec.Require(auth.ScopeSession, http.HandlerFunc(h.SessionEvents)))
}

func writeJSON(w http.ResponseWriter, code int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
