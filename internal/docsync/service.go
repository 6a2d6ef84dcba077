// Package docsync materializes document plans in the target system.
//
// Synchronize never releases a healthy session on failure. Only transport
// faults invalidate the session; the next call then acquires a fresh one.
package docsync

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xenking/ordersync/internal/domain/journal"
	"github.com/xenking/ordersync/internal/domain/order"
	"github.com/xenking/ordersync/internal/pricing"
	"github.com/xenking/ordersync/internal/target"
)

// ErrNothingToSync is returned when every line item was skipped and the
// order carries no fees.
var ErrNothingToSync = errors.New("plan has no lines")

// SessionManager hands out the shared automation session.
type SessionManager interface {
	Acquire(ctx context.Context) (target.Handle, error)
	Invalidate(ctx context.Context, h target.Handle, err error) bool
	Touch()
}

// Journal stores synchronization outcomes.
type Journal interface {
	Record(ctx context.Context, e *journal.Entry) error
}

// Service synchronizes orders into target documents.
type Service struct {
	planner  *pricing.Planner
	sessions SessionManager
	journal  Journal
	lg       *zap.Logger
	tracer   trace.Tracer

	// exclusive admits one population at a time onto the shared session.
	exclusive *semaphore.Weighted

	results  metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records every result in j.
func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Service) {
		if lg != nil {
			s.lg = lg
		}
	}
}

// WithTracerProvider enables tracing.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer("github.com/xenking/ordersync/internal/docsync")
		}
	}
}

// WithMeterProvider enables sync metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		if mp == nil {
			return
		}
		meter := mp.Meter("github.com/xenking/ordersync/internal/docsync")
		if c, err := meter.Int64Counter("ordersync.sync.results",
			metric.WithDescription("Synchronization results, by status")); err == nil {
			s.results = c
		}
		if h, err := meter.Float64Histogram("ordersync.sync.duration",
			metric.WithDescription("Synchronization duration"),
			metric.WithUnit("s")); err == nil {
			s.duration = h
		}
	}
}

// NewService creates a Service.
func NewService(planner *pricing.Planner, sessions SessionManager, opts ...Option) *Service {
	meter := metricnoop.NewMeterProvider().Meter("")
	results, _ := meter.Int64Counter("results")
	duration, _ := meter.Float64Histogram("duration")

	s := &Service{
		planner:   planner,
		sessions:  sessions,
		lg:        zap.NewNop(),
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		exclusive: semaphore.NewWeighted(1),
		results:   results,
		duration:  duration,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synchronize builds the plan for o and writes it into a new document.
// It never returns nil.
func (s *Service) Synchronize(ctx context.Context, o *order.Order) *SyncResult {
	start := time.Now()
	res := &SyncResult{RunID: uuid.New()}
	if o != nil {
		res.OrderID = o.ID
	}

	ctx, span := s.tracer.Start(ctx, "docsync.Synchronize",
		trace.WithAttributes(
			attribute.String("order.id", res.OrderID),
			attribute.String("sync.run_id", res.RunID.String()),
		),
	)
	defer span.End()

	s.run(ctx, o, res)
	res.Duration = time.Since(start)

	attrs := metric.WithAttributes(attribute.String("status", string(res.Status)))
	s.results.Add(ctx, 1, attrs)
	s.duration.Record(ctx, res.Duration.Seconds(), attrs)

	span.SetAttributes(
		attribute.String("sync.status", string(res.Status)),
		attribute.Int("sync.lines", len(res.Lines)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Reason)
	}

	s.log(res)
	s.record(ctx, res)
	return res
}

func (s *Service) run(ctx context.Context, o *order.Order, res *SyncResult) {
	if err := o.Validate(); err != nil {
		s.fail(res, StatusFailed, &StepError{Step: StepPlan, Line: -1, Err: err})
		return
	}

	plan := s.planner.BuildPlan(o)
	res.CouponPercent = plan.CouponPercent
	res.Skipped = plan.Skipped
	for _, sk := range plan.Skipped {
		s.lg.Warn("Line item skipped",
			zap.String("order", o.ID),
			zap.Int("index", sk.Index),
			zap.String("catalog_id", sk.CatalogID),
			zap.String("reason", sk.Reason),
		)
	}
	if len(plan.Lines) == 0 {
		s.fail(res, StatusFailed, &StepError{Step: StepPlan, Line: -1, Err: ErrNothingToSync})
		return
	}

	if err := s.exclusive.Acquire(ctx, 1); err != nil {
		s.fail(res, StatusFailed, &StepError{Step: StepAcquire, Line: -1, Err: err})
		return
	}
	defer s.exclusive.Release(1)

	h, err := s.sessions.Acquire(ctx)
	if err != nil {
		s.fail(res, StatusSessionUnavailable, &StepError{Step: StepAcquire, Line: -1, Err: err})
		return
	}
	docs := h.Documents()
	res.Variant = docs.Variant()

	doc, err := docs.CreateDocument(ctx, target.KindCustomerOrder)
	s.sessions.Touch()
	if err != nil {
		s.abort(ctx, h, res, &StepError{Step: StepCreateDocument, Line: -1, Err: err})
		return
	}
	res.DocumentID = doc.ID()
	res.DocumentCreated = true

	if err := s.populate(ctx, h, doc, &plan, res); err != nil {
		s.abort(ctx, h, res, err)
		return
	}
	res.Status = StatusOK
}

// step runs fn and counts it as session activity.
func (s *Service) step(name Step, line int, fn func() error) error {
	err := fn()
	s.sessions.Touch()
	if err != nil {
		return &StepError{Step: name, Line: line, Err: err}
	}
	return nil
}

func (s *Service) populate(ctx context.Context, h target.Handle, doc target.Document, plan *pricing.Plan, res *SyncResult) error {
	if plan.TaxID != "" {
		if err := s.assignCounterparty(ctx, h, doc, plan.TaxID, res); err != nil {
			return err
		}
	}

	if plan.Note != "" {
		if err := s.step(StepSetNote, -1, func() error {
			return doc.SetNote(ctx, plan.Note)
		}); err != nil {
			return err
		}
	}

	for i, pl := range plan.Lines {
		lr, err := s.writeLine(ctx, doc, i, pl)
		if err != nil {
			return err
		}
		res.Lines = append(res.Lines, lr)
	}

	return s.step(StepPresent, -1, func() error {
		return doc.Present(ctx)
	})
}

func (s *Service) assignCounterparty(ctx context.Context, h target.Handle, doc target.Document, taxID string, res *SyncResult) error {
	var cp *target.Counterparty
	err := s.step(StepFindParty, -1, func() (err error) {
		cp, err = h.FindCounterpartyByTaxID(ctx, taxID)
		return err
	})
	switch {
	case err != nil && target.IsTransportFault(err):
		return err
	case err != nil:
		s.lg.Warn("Counterparty lookup failed, continuing without",
			zap.String("order", res.OrderID),
			zap.Error(err),
		)
		return nil
	case cp == nil:
		s.lg.Debug("No counterparty for tax id", zap.String("order", res.OrderID))
		return nil
	}

	if err := s.step(StepSetCounterparty, -1, func() error {
		return doc.SetCounterparty(ctx, cp.ID)
	}); err != nil {
		return err
	}
	res.Counterparty = cp
	return nil
}

// writeLine adds one planned line. Product lines resolve their discount
// against the base price the target reports for the fresh line.
func (s *Service) writeLine(ctx context.Context, doc target.Document, idx int, pl pricing.PlannedLine) (LineResult, error) {
	lr := LineResult{
		CatalogID:   pl.CatalogID,
		Quantity:    pl.Quantity,
		TargetPrice: pl.NetPrice,
		Fee:         pl.Fee,
	}

	var line target.Line
	if err := s.step(StepAddLine, idx, func() (err error) {
		line, err = doc.AddLine(ctx, pl.CatalogID)
		return err
	}); err != nil {
		return lr, err
	}
	if err := s.step(StepSetQuantity, idx, func() error {
		return line.SetQuantity(ctx, pl.Quantity)
	}); err != nil {
		return lr, err
	}

	if pl.IsFee() {
		if err := s.step(StepSetNetPrice, idx, func() error {
			return line.SetNetPriceBeforeDiscount(ctx, pl.NetPrice)
		}); err != nil {
			return lr, err
		}
		lr.BasePrice = pl.NetPrice
		lr.Discount = pl.Discount
		return lr, nil
	}

	var base = pl.NetPrice
	if err := s.step(StepBasePrice, idx, func() (err error) {
		base, err = line.BaseNetPrice(ctx)
		return err
	}); err != nil {
		return lr, err
	}

	r := pricing.Resolve(pl.NetPrice, base)
	if r.Raised {
		if err := s.step(StepSetNetPrice, idx, func() error {
			return line.SetNetPriceBeforeDiscount(ctx, r.BasePrice)
		}); err != nil {
			return lr, err
		}
	}
	if r.DiscountPercent.IsPositive() {
		if err := s.step(StepSetDiscount, idx, func() error {
			return line.SetDiscountPercent(ctx, r.DiscountPercent)
		}); err != nil {
			return lr, err
		}
	}

	lr.BasePrice = r.BasePrice
	lr.Discount = r.DiscountPercent
	lr.Raised = r.Raised
	return lr, nil
}

// abort classifies a failure after h was acquired. A transport fault
// invalidates h only; a session that already replaced it stays active.
func (s *Service) abort(ctx context.Context, h target.Handle, res *SyncResult, err error) {
	if target.IsTransportFault(err) {
		if !s.sessions.Invalidate(ctx, h, err) {
			s.lg.Debug("Faulted session already released", zap.String("order", res.OrderID))
		}
		s.fail(res, StatusFailed, err)
		return
	}
	if res.DocumentCreated {
		s.fail(res, StatusPartialFailure, err)
		return
	}
	s.fail(res, StatusFailed, err)
}

func (s *Service) fail(res *SyncResult, status Status, err error) {
	res.Status = status
	res.Err = err
	switch {
	case status == StatusSessionUnavailable:
		res.Reason = "automation session unavailable: " + err.Error()
	case target.IsTransportFault(err):
		res.Reason = "session lost, released: " + err.Error()
	case status == StatusPartialFailure:
		res.Reason = "document created but not fully populated: " + err.Error()
	default:
		res.Reason = err.Error()
	}
}

func (s *Service) log(res *SyncResult) {
	fields := []zap.Field{
		zap.String("order", res.OrderID),
		zap.String("run", res.RunID.String()),
		zap.String("status", string(res.Status)),
		zap.String("document", res.DocumentID),
		zap.Int("lines", len(res.Lines)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("duration", res.Duration),
	}
	switch res.Status {
	case StatusOK:
		s.lg.Info("Order synchronized", fields...)
	case StatusPartialFailure:
		s.lg.Warn("Order partially synchronized", append(fields, zap.Error(res.Err))...)
	default:
		s.lg.Error("Order synchronization failed", append(fields, zap.Error(res.Err))...)
	}
}

// record writes res to the journal. Journal failures never change the result.
func (s *Service) record(ctx context.Context, res *SyncResult) {
	if s.journal == nil || res.OrderID == "" {
		return
	}
	e := &journal.Entry{
		ID:              res.RunID,
		OrderID:         res.OrderID,
		Status:          string(res.Status),
		Reason:          res.Reason,
		DocumentID:      res.DocumentID,
		DocumentCreated: res.DocumentCreated,
		Lines:           len(res.Lines),
		Skipped:         len(res.Skipped),
		CouponPercent:   res.CouponPercent,
		SyncedAt:        time.Now().UTC(),
	}
	if err := s.journal.Record(ctx, e); err != nil {
		s.lg.Warn("Journal write failed",
			zap.String("order", res.OrderID),
			zap.Error(err),
		)
	}
}
