// Package targettest provides an in-memory target system for tests.
package targettest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/ordersync/internal/target"
)

// Step names a fallible operation of the fake.
type Step string

const (
	StepCreateDocument  Step = "create_document"
	StepFindParty       Step = "find_counterparty"
	StepSetCounterparty Step = "set_counterparty"
	StepSetNote         Step = "set_note"
	StepAddLine         Step = "add_line"
	StepSetQuantity     Step = "set_quantity"
	StepSetNetPrice     Step = "set_net_price"
	StepSetDiscount     Step = "set_discount"
	StepBasePrice       Step = "base_price"
	StepPresent         Step = "present"
)

var _ target.Connector = (*Connector)(nil)

// Connector is a fake target.Connector. The zero value is not usable; use New.
type Connector struct {
	mu sync.Mutex

	// CreateErr, when set, is returned by CreateSession.
	CreateErr error
	// Gate, when non-nil, blocks CreateSession until it is closed.
	Gate chan struct{}
	// BasePrices maps catalog ids to the base net price reported for new lines.
	BasePrices map[int64]decimal.Decimal
	// Counterparties maps tax ids to counterparties.
	Counterparties map[string]target.Counterparty
	// Variant selects which document API flavour sessions expose.
	Variant target.Variant

	failures map[Step]error
	failAt   map[Step]int
	calls    map[Step]int

	created atomic.Int64
	closed  atomic.Int64

	Sessions  []*Handle
	Documents []*Document
}

// New creates a fake connector exposing the collection flavour.
func New() *Connector {
	return &Connector{
		BasePrices:     make(map[int64]decimal.Decimal),
		Counterparties: make(map[string]target.Counterparty),
		Variant:        target.VariantCollectionV2,
		failures:       make(map[Step]error),
		failAt:         make(map[Step]int),
		calls:          make(map[Step]int),
	}
}

// Fail makes every call of step return err.
func (c *Connector) Fail(step Step, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[step] = err
	delete(c.failAt, step)
}

// FailNth makes only the n-th (1-based) call of step return err.
func (c *Connector) FailNth(step Step, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[step] = err
	c.failAt[step] = n
}

// Created returns the number of sessions created.
func (c *Connector) Created() int { return int(c.created.Load()) }

// Closed returns the number of sessions closed.
func (c *Connector) Closed() int { return int(c.closed.Load()) }

// LastDocument returns the most recently created document or nil.
func (c *Connector) LastDocument() *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Documents) == 0 {
		return nil
	}
	return c.Documents[len(c.Documents)-1]
}

func (c *Connector) check(step Step) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[step]++
	err, ok := c.failures[step]
	if !ok {
		return nil
	}
	if n, ok := c.failAt[step]; ok && n != c.calls[step] {
		return nil
	}
	return err
}

// CreateSession implements target.Connector.
func (c *Connector) CreateSession(ctx context.Context, creds target.Credentials) (target.Handle, error) {
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	n := c.created.Add(1)
	h := &Handle{id: fmt.Sprintf("session-%d", n), conn: c, Creds: creds}
	switch c.Variant {
	case target.VariantManagerV1:
		h.docs = &managerV1{h: h}
	default:
		h.docs = &collectionV2{h: h}
	}

	c.mu.Lock()
	c.Sessions = append(c.Sessions, h)
	c.mu.Unlock()
	return h, nil
}

// Handle is a fake target.Handle.
type Handle struct {
	id     string
	conn   *Connector
	docs   target.DocumentAPI
	Creds  target.Credentials
	closed atomic.Bool

	// CloseErr, when set, is returned by Close after marking the handle closed.
	CloseErr error
}

// ID implements target.Handle.
func (h *Handle) ID() string { return h.id }

// Documents implements target.Handle.
func (h *Handle) Documents() target.DocumentAPI { return h.docs }

// IsClosed reports whether Close was called.
func (h *Handle) IsClosed() bool { return h.closed.Load() }

// FindCounterpartyByTaxID implements target.Handle.
func (h *Handle) FindCounterpartyByTaxID(_ context.Context, taxID string) (*target.Counterparty, error) {
	if err := h.conn.check(StepFindParty); err != nil {
		return nil, err
	}
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	cp, ok := h.conn.Counterparties[taxID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// Close implements target.Handle.
func (h *Handle) Close(_ context.Context) error {
	if h.closed.Swap(true) {
		return errors.New("session already closed")
	}
	h.conn.closed.Add(1)
	return h.CloseErr
}

func (h *Handle) createDocument(kind target.DocumentKind) (target.Document, error) {
	if h.closed.Load() {
		return nil, errors.Wrap(target.ErrTransport, "session closed")
	}
	if err := h.conn.check(StepCreateDocument); err != nil {
		return nil, err
	}
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	doc := &Document{
		id:      fmt.Sprintf("doc-%d", len(h.conn.Documents)+1),
		conn:    h.conn,
		Session: h.id,
		Kind:    kind,
	}
	h.conn.Documents = append(h.conn.Documents, doc)
	return doc, nil
}

type managerV1 struct {
	target.ManagerV1
	h *Handle
}

func (m *managerV1) CreateDocument(_ context.Context, kind target.DocumentKind) (target.Document, error) {
	return m.h.createDocument(kind)
}

type collectionV2 struct {
	target.CollectionV2
	h *Handle
}

func (c *collectionV2) CreateDocument(_ context.Context, kind target.DocumentKind) (target.Document, error) {
	return c.h.createDocument(kind)
}

// Document is a fake target.Document that records its state.
type Document struct {
	id   string
	conn *Connector

	Session        string
	Kind           target.DocumentKind
	CounterpartyID int64
	Note           string
	Presented      bool
	Lines          []*Line
}

// ID implements target.Document.
func (d *Document) ID() string { return d.id }

// AddLine implements target.Document.
func (d *Document) AddLine(_ context.Context, catalogID int64) (target.Line, error) {
	if err := d.conn.check(StepAddLine); err != nil {
		return nil, err
	}
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	base, ok := d.conn.BasePrices[catalogID]
	if !ok {
		base = decimal.Zero
	}
	l := &Line{conn: d.conn, CatalogID: catalogID, Quantity: 1, BasePrice: base}
	d.Lines = append(d.Lines, l)
	return l, nil
}

// SetCounterparty implements target.Document.
func (d *Document) SetCounterparty(_ context.Context, id int64) error {
	if err := d.conn.check(StepSetCounterparty); err != nil {
		return err
	}
	d.CounterpartyID = id
	return nil
}

// SetNote implements target.Document.
func (d *Document) SetNote(_ context.Context, text string) error {
	if err := d.conn.check(StepSetNote); err != nil {
		return err
	}
	d.Note = text
	return nil
}

// Present implements target.Document.
func (d *Document) Present(_ context.Context) error {
	if err := d.conn.check(StepPresent); err != nil {
		return err
	}
	d.Presented = true
	return nil
}

// Line is a fake target.Line.
type Line struct {
	conn *Connector

	CatalogID int64
	Quantity  int
	BasePrice decimal.Decimal
	Discount  decimal.Decimal
}

// SetQuantity implements target.Line.
func (l *Line) SetQuantity(_ context.Context, n int) error {
	if err := l.conn.check(StepSetQuantity); err != nil {
		return err
	}
	l.Quantity = n
	return nil
}

// SetNetPriceBeforeDiscount implements target.Line.
func (l *Line) SetNetPriceBeforeDiscount(_ context.Context, v decimal.Decimal) error {
	if err := l.conn.check(StepSetNetPrice); err != nil {
		return err
	}
	l.BasePrice = v
	return nil
}

// SetDiscountPercent implements target.Line.
func (l *Line) SetDiscountPercent(_ context.Context, p decimal.Decimal) error {
	if err := l.conn.check(StepSetDiscount); err != nil {
		return err
	}
	l.Discount = p
	return nil
}

// BaseNetPrice implements target.Line.
func (l *Line) BaseNetPrice(_ context.Context) (decimal.Decimal, error) {
	if err := l.conn.check(StepBasePrice); err != nil {
		return decimal.Zero, err
	}
	return l.BasePrice, nil
}

// NetPrice returns the effective unit net price after discount.
func (l *Line) NetPrice() decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(l.Discount.Div(decimal.NewFromInt(100)))
	return l.BasePrice.Mul(factor).Round(2)
}
