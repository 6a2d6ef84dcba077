// Package pricing converts a normalized order into a document plan: the
// ordered list of target-system lines with their target net prices.
//
// Planning is pure. The discount for a product line is only known once the
// target system reports its own base price for the freshly added line, so
// Resolve is applied at execution time by the caller.
package pricing

import (
	"github.com/shopspring/decimal"
)

var (
	hundred     = decimal.NewFromInt(100)
	zero        = decimal.Zero
	maxDiscount = decimal.RequireFromString("99.99")
)

// FeeKind identifies an ancillary fee line injected by the planner.
type FeeKind string

const (
	FeeNone           FeeKind = ""
	FeeHandling       FeeKind = "handling"
	FeeShipping       FeeKind = "shipping"
	FeeCod            FeeKind = "cod"
	FeeGlsFlat        FeeKind = "gls_flat"
	FeeGlsWeightBased FeeKind = "gls_weight_based"
)

// FeeCatalog maps each fee kind to the reserved catalog identifier of its
// surcharge entry in the target system.
type FeeCatalog struct {
	Handling       int64
	Shipping       int64
	CodFee         int64
	GlsFlat        int64
	GlsWeightBased int64
}

// DefaultFeeCatalog returns the reserved identifiers used when none are configured.
func DefaultFeeCatalog() FeeCatalog {
	return FeeCatalog{
		Handling:       9001,
		Shipping:       9002,
		CodFee:         9003,
		GlsFlat:        9004,
		GlsWeightBased: 9005,
	}
}

// PlannedLine is a single line of a document plan.
type PlannedLine struct {
	CatalogID int64
	Quantity  int
	// NetPrice is the target net price of one unit after coupon allocation.
	NetPrice decimal.Decimal
	// Discount is fixed for fee lines (always zero). For product lines the
	// discount is resolved against the live base price, see Resolve.
	Discount decimal.Decimal
	Note     string
	Fee      FeeKind
}

// IsFee reports whether the line was injected for an ancillary fee.
func (l PlannedLine) IsFee() bool {
	return l.Fee != FeeNone
}

// SkippedLine describes a line item omitted from the plan.
type SkippedLine struct {
	Index     int
	CatalogID string
	Reason    string
}

// Plan is the target-system agnostic representation of a document.
type Plan struct {
	OrderID       string
	CouponPercent decimal.Decimal
	Lines         []PlannedLine
	Skipped       []SkippedLine
	Note          string
	TaxID         string
	ExportExempt  bool
}

// ProductLines returns the number of planned product (non-fee) lines.
func (p *Plan) ProductLines() int {
	n := 0
	for _, l := range p.Lines {
		if !l.IsFee() {
			n++
		}
	}
	return n
}

// Resolution is the outcome of reconciling a target net price with the
// target system's base price for a line.
type Resolution struct {
	DiscountPercent decimal.Decimal
	// BasePrice is the base price the line must end up with. It differs from
	// the catalog base price only when the target price is higher.
	BasePrice decimal.Decimal
	Raised    bool
}

// Resolve computes the discount that brings catalogBase down to target.
// A target price at or above the base price is never expressed as a
// negative discount; the base price is raised to the target instead.
func Resolve(target, catalogBase decimal.Decimal) Resolution {
	if catalogBase.IsPositive() && target.LessThan(catalogBase) {
		pct := decimal.NewFromInt(1).Sub(target.Div(catalogBase)).Mul(hundred)
		return Resolution{
			DiscountPercent: ClampDiscount(pct.Round(2)),
			BasePrice:       catalogBase,
		}
	}
	return Resolution{
		DiscountPercent: zero,
		BasePrice:       target,
		Raised:          !target.Equal(catalogBase),
	}
}

// ClampDiscount bounds a discount percentage into [0, 99.99].
func ClampDiscount(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return zero
	}
	if pct.GreaterThan(maxDiscount) {
		return maxDiscount
	}
	return pct
}

// floorAtZero returns d if it is non-negative, otherwise zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
