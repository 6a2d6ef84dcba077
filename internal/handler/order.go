package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/docsync"
	"github.com/xenking/ordersync/internal/domain/journal"
	"github.com/xenking/ordersync/internal/domain/order"
	"github.com/xenking/ordersync/internal/wire"
	"github.com/xenking/ordersync/pkg/httpmiddleware"
)

// ListOrders serves GET /api/orders?page=N.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpmiddleware.WriteError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = n
	}

	orders, err := h.orders.FetchOrders(ctx, page)
	if err != nil {
		zctx.From(ctx).Warn("Fetch orders failed", zap.Int("page", page), zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusBadGateway, "storefront unavailable")
		return
	}

	synced := make([]bool, len(orders))
	for i := range orders {
		ok, err := h.seen.Synced(ctx, orders[i].ID)
		if err != nil {
			zctx.From(ctx).Warn("Synced check failed", zap.String("order", orders[i].ID), zap.Error(err))
			continue
		}
		synced[i] = ok
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("page")
		e.Int(page)
		e.FieldStart("orders")
		e.ArrStart()
		for i := range orders {
			encodeOrderSummary(e, &orders[i], synced[i])
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func encodeOrderSummary(e *jx.Encoder, o *order.Order, synced bool) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	if o.Number != "" {
		e.FieldStart("number")
		e.Str(o.Number)
	}
	e.FieldStart("currency")
	e.Str(o.Currency)
	e.FieldStart("sub_total")
	wire.Decimal(e, o.SubTotal)
	e.FieldStart("items")
	e.Int(len(o.Items))
	if o.Coupon != nil {
		e.FieldStart("coupon")
		e.ObjStart()
		e.FieldStart("title")
		e.Str(o.Coupon.Title)
		e.FieldStart("amount")
		wire.Decimal(e, o.Coupon.Amount)
		e.ObjEnd()
	}
	e.FieldStart("synced")
	e.Bool(synced)
	e.ObjEnd()
}

// SyncOrder serves POST /api/orders/{id}/sync. The response code reflects
// the sync status: 200 ok, 207 partial, 503 session unavailable, 502 failed.
func (h *Handler) SyncOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	h.sessions.Touch()
	o, err := h.orders.FetchOrderDetail(ctx, id)
	switch {
	case errors.Is(err, order.ErrNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "order "+id+" not found")
		return
	case err != nil:
		zctx.From(ctx).Warn("Fetch order detail failed", zap.String("order", id), zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusBadGateway, "storefront unavailable")
		return
	}

	res := h.syncer.Synchronize(ctx, o)
	writeJSON(w, syncStatusCode(res.Status), func(e *jx.Encoder) {
		encodeSyncResult(e, res)
	})
}

func syncStatusCode(s docsync.Status) int {
	switch s {
	case docsync.StatusOK:
		return http.StatusOK
	case docsync.StatusPartialFailure:
		return http.StatusMultiStatus
	case docsync.StatusSessionUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func encodeSyncResult(e *jx.Encoder, res *docsync.SyncResult) {
	e.ObjStart()
	e.FieldStart("run_id")
	e.Str(res.RunID.String())
	e.FieldStart("order_id")
	e.Str(res.OrderID)
	e.FieldStart("status")
	e.Str(string(res.Status))
	if res.Reason != "" {
		e.FieldStart("reason")
		e.Str(res.Reason)
	}
	if res.DocumentCreated {
		e.FieldStart("document_id")
		e.Str(res.DocumentID)
	}
	if res.Variant != "" {
		e.FieldStart("variant")
		e.Str(string(res.Variant))
	}
	if res.Counterparty != nil {
		e.FieldStart("counterparty")
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(res.Counterparty.ID)
		e.FieldStart("name")
		e.Str(res.Counterparty.Name)
		e.ObjEnd()
	}
	e.FieldStart("coupon_percent")
	wire.Decimal(e, res.CouponPercent)

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range res.Lines {
		e.ObjStart()
		e.FieldStart("catalog_id")
		e.Int64(l.CatalogID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("net_price")
		wire.Decimal(e, l.TargetPrice)
		if l.Fee != "" {
			e.FieldStart("fee")
			e.Str(string(l.Fee))
		} else {
			e.FieldStart("base_price")
			wire.Decimal(e, l.BasePrice)
			e.FieldStart("discount")
			wire.Decimal(e, l.Discount)
			e.FieldStart("raised")
			e.Bool(l.Raised)
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	if len(res.Skipped) > 0 {
		e.FieldStart("skipped")
		e.ArrStart()
		for _, s := range res.Skipped {
			e.ObjStart()
			e.FieldStart("index")
			e.Int(s.Index)
			e.FieldStart("catalog_id")
			e.Str(s.CatalogID)
			e.FieldStart("reason")
			e.Str(s.Reason)
			e.ObjEnd()
		}
		e.ArrEnd()
	}
	e.FieldStart("duration_ms")
	e.Int64(res.Duration.Milliseconds())
	e.ObjEnd()
}

// OrderJournal serves GET /api/orders/{id}/journal.
func (h *Handler) OrderJournal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	entries, err := h.journal.Latest(ctx, id, h.journalLimit)
	if err != nil {
		zctx.From(ctx).Error("Read journal failed", zap.String("order", id), zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range entries {
			encodeJournalEntry(e, &entries[i])
		}
		e.ArrEnd()
	})
}

func encodeJournalEntry(e *jx.Encoder, en *journal.Entry) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(en.ID.String())
	e.FieldStart("status")
	e.Str(en.Status)
	if en.Reason != "" {
		e.FieldStart("reason")
		e.Str(en.Reason)
	}
	e.FieldStart("document_created")
	e.Bool(en.DocumentCreated)
	if en.DocumentID != "" {
		e.FieldStart("document_id")
		e.Str(en.DocumentID)
	}
	e.FieldStart("lines")
	e.Int(en.Lines)
	e.FieldStart("skipped")
	e.Int(en.Skipped)
	e.FieldStart("coupon_percent")
	wire.Decimal(e, en.CouponPercent)
	e.FieldStart("synced_at")
	e.Str(en.SyncedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}
