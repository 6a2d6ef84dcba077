package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/ordersync/internal/domain/order"
)

// Planner builds document plans using a fixed fee catalog.
type Planner struct {
	fees FeeCatalog
}

// NewPlanner creates a Planner for the given reserved fee identifiers.
func NewPlanner(fees FeeCatalog) *Planner {
	return &Planner{fees: fees}
}

// BuildPlan converts an order into a document plan. It has no side effects:
// line items whose catalog identifier is not an integer are reported in
// Plan.Skipped rather than failing the whole plan.
func (p *Planner) BuildPlan(o *order.Order) Plan {
	plan := Plan{
		OrderID:      o.ID,
		TaxID:        strings.TrimSpace(o.TaxID),
		ExportExempt: o.IsExportExempt(),
	}

	rate := conversionRate(o)

	type eligible struct {
		id   int64
		item order.LineItem
	}
	items := make([]eligible, 0, len(o.Items))
	for i, item := range o.Items {
		id, ok := item.NumericCatalogID()
		if !ok {
			plan.Skipped = append(plan.Skipped, SkippedLine{
				Index:     i,
				CatalogID: item.CatalogID,
				Reason:    "catalog identifier is not numeric",
			})
			continue
		}
		items = append(items, eligible{id: id, item: item})
	}

	total := zero
	for _, e := range items {
		total = total.Add(lineNet(e.item, rate))
	}

	var couponAmount decimal.Decimal
	if o.Coupon != nil {
		couponAmount = o.Coupon.Amount.Mul(rate)
	}
	plan.CouponPercent = CouponPercent(couponAmount, total)

	factor := decimal.NewFromInt(1).Sub(plan.CouponPercent.Div(hundred))
	for _, e := range items {
		qty := e.item.Quantity
		if qty <= 0 {
			qty = 1
		}
		adjusted := floorAtZero(e.item.UnitPrice.Mul(rate).Mul(factor)).Round(2)
		plan.Lines = append(plan.Lines, PlannedLine{
			CatalogID: e.id,
			Quantity:  qty,
			NetPrice:  adjusted,
			Discount:  zero,
			Note:      e.item.Name,
		})
	}

	plan.Lines = append(plan.Lines, p.feeLines(o.Fees, rate)...)

	plan.Note = documentNote(o, plan.ExportExempt)
	return plan
}

// CouponPercent returns the uniform percentage allocation of a flat coupon
// over the pre-coupon product total. It is zero when there is no coupon or
// the total is not positive. The result is not rounded so that applying it
// back reproduces the coupon amount exactly.
func CouponPercent(couponAmount, productsNetTotal decimal.Decimal) decimal.Decimal {
	if !couponAmount.IsPositive() || !productsNetTotal.IsPositive() {
		return zero
	}
	return couponAmount.Div(productsNetTotal).Mul(hundred)
}

// feeLines returns the fee lines in their fixed order: Handling, Shipping,
// CodFee, GlsFlat, GlsWeightBased. Fees are never coupon-adjusted.
func (p *Planner) feeLines(fees order.Fees, rate decimal.Decimal) []PlannedLine {
	candidates := []struct {
		amount *decimal.Decimal
		id     int64
		kind   FeeKind
		note   string
	}{
		{fees.Handling, p.fees.Handling, FeeHandling, "Handling"},
		{fees.Shipping, p.fees.Shipping, FeeShipping, "Shipping"},
		{fees.CodFee, p.fees.CodFee, FeeCod, "Cash on delivery"},
		{fees.GlsFlat, p.fees.GlsFlat, FeeGlsFlat, "GLS flat rate"},
		{fees.GlsWeightBased, p.fees.GlsWeightBased, FeeGlsWeightBased, "GLS weight based"},
	}

	lines := make([]PlannedLine, 0, len(candidates))
	for _, c := range candidates {
		if c.amount == nil {
			continue
		}
		lines = append(lines, PlannedLine{
			CatalogID: c.id,
			Quantity:  1,
			NetPrice:  floorAtZero(c.amount.Mul(rate)).Round(2),
			Discount:  zero,
			Note:      c.note,
			Fee:       c.kind,
		})
	}
	return lines
}

// lineNet returns unit price * quantity in base currency.
func lineNet(item order.LineItem, rate decimal.Decimal) decimal.Decimal {
	return item.UnitPrice.Mul(rate).Mul(decimal.NewFromInt(int64(item.Quantity)))
}

func conversionRate(o *order.Order) decimal.Decimal {
	if o.ConversionRate != nil && o.ConversionRate.IsPositive() {
		return *o.ConversionRate
	}
	return decimal.NewFromInt(1)
}

func documentNote(o *order.Order, exportExempt bool) string {
	var parts []string
	if o.Number != "" {
		parts = append(parts, fmt.Sprintf("Order %s", o.Number))
	} else if o.ID != "" {
		parts = append(parts, fmt.Sprintf("Order %s", o.ID))
	}
	if o.Coupon != nil && o.Coupon.Title != "" {
		parts = append(parts, fmt.Sprintf("Coupon: %s (%s %s)", o.Coupon.Title, o.Coupon.Amount.StringFixed(2), o.Currency))
	}
	if exportExempt {
		parts = append(parts, "VAT: export exempt")
	}
	return strings.Join(parts, "; ")
}
