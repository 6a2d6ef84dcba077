// Package order defines the normalized storefront order consumed by the
// pricing engine and the document synchronization service.
package order

import (
	"context"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order validation and lookup.
var (
	ErrEmptyItems = errors.New("order has no line items")
	ErrNotFound   = errors.New("order not found")
)

// VatTreatment tells whether the order is taxed domestically or shipped as an
// export that is exempt from VAT.
type VatTreatment string

const (
	VatDomestic     VatTreatment = "domestic"
	VatExportExempt VatTreatment = "export_exempt"
)

// Order is an immutable snapshot of a storefront order. Callers own it for
// the duration of one synchronization; nothing in this module mutates it.
type Order struct {
	ID       string
	Number   string
	Items    []LineItem
	Coupon   *Coupon
	SubTotal decimal.Decimal
	Fees     Fees
	Currency string
	TaxID    string
	// ConversionRate converts source currency amounts into the target
	// system's base currency. Nil means amounts are already in base currency.
	ConversionRate *decimal.Decimal
	Vat            VatTreatment
}

// LineItem is a single product entry of an order.
type LineItem struct {
	// CatalogID must parse as an integer to be resolvable in the target system.
	CatalogID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	TaxAmount decimal.Decimal
	TaxRate   decimal.Decimal
	// OriginalDiscount is informational only and never reapplied.
	OriginalDiscount decimal.Decimal
}

// Coupon is a flat order-level discount.
type Coupon struct {
	Title  string
	Amount decimal.Decimal
}

// Fees holds the optional ancillary net amounts of an order. A nil field
// means the fee is absent; a zero value is still a present fee.
type Fees struct {
	Handling       *decimal.Decimal
	Shipping       *decimal.Decimal
	CodFee         *decimal.Decimal
	GlsFlat        *decimal.Decimal
	GlsWeightBased *decimal.Decimal
}

// NumericCatalogID parses the item's catalog identifier as an integer key.
func (li LineItem) NumericCatalogID() (int64, bool) {
	id, err := strconv.ParseInt(li.CatalogID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsExportExempt reports whether the order is VAT exempt.
func (o *Order) IsExportExempt() bool {
	return o.Vat == VatExportExempt
}

// Validate checks the minimal structural requirements for synchronization.
func (o *Order) Validate() error {
	if o == nil || len(o.Items) == 0 {
		return ErrEmptyItems
	}
	return nil
}

// Source fetches orders from the storefront.
type Source interface {
	FetchOrders(ctx context.Context, page int) ([]Order, error)
	FetchOrderDetail(ctx context.Context, id string) (*Order, error)
}

// Dec returns a pointer to v, handy for populating optional fees.
func Dec(v decimal.Decimal) *decimal.Decimal {
	return &v
}
