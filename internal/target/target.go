// Package target describes the narrow capability surface of the external,
// session-based business-management system that receives documents.
//
// The automation API of the target system comes in more than one flavour.
// Implementations probe the flavour once, when the session is created, and
// expose it through the DocumentAPI variant interfaces below instead of
// re-probing on every call.
package target

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable means the automation entry point is missing or the
	// session creation was rejected. It is not retried automatically.
	ErrUnavailable = errors.New("target: automation session unavailable")
	// ErrTransport means an established session stopped responding. The
	// session must be released and acquired again.
	ErrTransport = errors.New("target: transport fault")
)

// IsTransportFault reports whether err invalidates the current session.
func IsTransportFault(err error) bool {
	return errors.Is(err, ErrTransport)
}

// DocumentKind selects the type of document created in the target system.
type DocumentKind string

const (
	KindCustomerOrder DocumentKind = "customer_order"
)

// Credentials authenticate a new automation session.
type Credentials struct {
	Operator string
	Password string
	Database string
}

// Counterparty is a customer record in the target system.
type Counterparty struct {
	ID    int64
	Name  string
	TaxID string
}

// Connector creates automation sessions. Creating a session is expensive.
type Connector interface {
	CreateSession(ctx context.Context, creds Credentials) (Handle, error)
}

// Handle is an open automation session.
type Handle interface {
	// ID identifies the session for logging.
	ID() string
	Documents() DocumentAPI
	// FindCounterpartyByTaxID returns nil without error when nothing matches.
	FindCounterpartyByTaxID(ctx context.Context, taxID string) (*Counterparty, error)
	Close(ctx context.Context) error
}

// DocumentAPI creates documents. Concrete values implement exactly one of
// the variant interfaces so callers can tell which flavour was probed.
type DocumentAPI interface {
	CreateDocument(ctx context.Context, kind DocumentKind) (Document, error)
	Variant() Variant
}

// Variant names a probed document API flavour.
type Variant string

const (
	VariantManagerV1    Variant = "document_manager_v1"
	VariantCollectionV2 Variant = "document_collection_v2"
)

// DocumentManagerV1 is the legacy flavour where documents are created
// through a document manager object.
type DocumentManagerV1 interface {
	DocumentAPI
	documentManagerV1()
}

// DocumentCollectionV2 is the newer flavour where documents are added to a
// document collection.
type DocumentCollectionV2 interface {
	DocumentAPI
	documentCollectionV2()
}

// ManagerV1 can be embedded by implementations of DocumentManagerV1.
type ManagerV1 struct{}

func (ManagerV1) documentManagerV1() {}

// Variant implements DocumentAPI.
func (ManagerV1) Variant() Variant { return VariantManagerV1 }

// CollectionV2 can be embedded by implementations of DocumentCollectionV2.
type CollectionV2 struct{}

func (CollectionV2) documentCollectionV2() {}

// Variant implements DocumentAPI.
func (CollectionV2) Variant() Variant { return VariantCollectionV2 }

// Document is a document being populated in the target system.
type Document interface {
	ID() string
	AddLine(ctx context.Context, catalogID int64) (Line, error)
	SetCounterparty(ctx context.Context, counterpartyID int64) error
	SetNote(ctx context.Context, text string) error
	// Present opens the document for human review in the target system.
	Present(ctx context.Context) error
}

// Line is a line of a Document.
type Line interface {
	SetQuantity(ctx context.Context, n int) error
	SetNetPriceBeforeDiscount(ctx context.Context, v decimal.Decimal) error
	SetDiscountPercent(ctx context.Context, p decimal.Decimal) error
	// BaseNetPrice is the target system's own pre-discount net price.
	BaseNetPrice(ctx context.Context) (decimal.Decimal, error)
}
