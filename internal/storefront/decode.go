package storefront

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/ordersync/internal/domain/order"
	"github.com/xenking/ordersync/internal/wire"
)

// DecodeOrder reads one storefront order object. Monetary values may be
// JSON numbers or numeric strings. Unknown fields are ignored.
func DecodeOrder(d *jx.Decoder) (*order.Order, error) {
	o := &order.Order{Vat: order.VatDomestic}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			o.ID, err = wire.DecodeString(d)
		case "number":
			o.Number, err = wire.DecodeString(d)
		case "currency":
			o.Currency, err = wire.DecodeString(d)
		case "currency_rate":
			o.ConversionRate, err = wire.DecodeOptionalDecimal(d)
		case "sub_total":
			o.SubTotal, err = wire.DecodeDecimal(d)
		case "tax_id":
			o.TaxID, err = wire.DecodeString(d)
		case "vat_exempt":
			var exempt bool
			exempt, err = decodeBool(d)
			if exempt {
				o.Vat = order.VatExportExempt
			}
		case "items", "line_items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				if err != nil {
					return err
				}
				o.Items = append(o.Items, item)
				return nil
			})
		case "coupon":
			o.Coupon, err = decodeCoupon(d)
		case "fees":
			o.Fees, err = decodeFees(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode order")
	}
	if o.ID == "" {
		return nil, errors.New("decode order: missing id")
	}
	return o, nil
}

func decodeItem(d *jx.Decoder) (order.LineItem, error) {
	var item order.LineItem
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "catalog_id", "sku":
			item.CatalogID, err = wire.DecodeString(d)
		case "name":
			item.Name, err = wire.DecodeString(d)
		case "quantity":
			var q decimal.Decimal
			q, err = wire.DecodeDecimal(d)
			item.Quantity = int(q.IntPart())
		case "unit_price":
			item.UnitPrice, err = wire.DecodeDecimal(d)
		case "tax_amount":
			item.TaxAmount, err = wire.DecodeDecimal(d)
		case "tax_rate":
			item.TaxRate, err = wire.DecodeDecimal(d)
		case "discount":
			item.OriginalDiscount, err = wire.DecodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return item, err
}

func decodeCoupon(d *jx.Decoder) (*order.Coupon, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var c order.Coupon
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "title", "code":
			c.Title, err = wire.DecodeString(d)
		case "amount":
			c.Amount, err = wire.DecodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeFees(d *jx.Decoder) (order.Fees, error) {
	var f order.Fees
	if d.Next() == jx.Null {
		return f, d.Null()
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "handling":
			f.Handling, err = wire.DecodeOptionalDecimal(d)
		case "shipping":
			f.Shipping, err = wire.DecodeOptionalDecimal(d)
		case "cod_fee":
			f.CodFee, err = wire.DecodeOptionalDecimal(d)
		case "gls_flat":
			f.GlsFlat, err = wire.DecodeOptionalDecimal(d)
		case "gls_weight_based":
			f.GlsWeightBased, err = wire.DecodeOptionalDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return f, err
}

func decodeBool(d *jx.Decoder) (bool, error) {
	switch d.Next() {
	case jx.Null:
		return false, d.Null()
	case jx.Bool:
		return d.Bool()
	default:
		s, err := wire.DecodeString(d)
		return s == "1" || s == "true" || s == "yes", err
	}
}
