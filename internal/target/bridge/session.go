package bridge

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/ordersync/internal/target"
	"github.com/xenking/ordersync/internal/wire"
)

var (
	_ target.Handle               = (*session)(nil)
	_ target.DocumentManagerV1    = (*managerV1)(nil)
	_ target.DocumentCollectionV2 = (*collectionV2)(nil)
)

type session struct {
	c      *Client
	id     string
	prefix string
	docs   target.DocumentAPI
}

func (s *session) ID() string { return s.id }

func (s *session) Documents() target.DocumentAPI { return s.docs }

func (s *session) probe(ctx context.Context) (string, error) {
	var variant string
	err := s.c.do(ctx, http.MethodGet, s.prefix+"/capabilities", nil, func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) == "documents" {
				v, err := d.Str()
				variant = v
				return err
			}
			return d.Skip()
		})
	})
	return variant, err
}

func (s *session) FindCounterpartyByTaxID(ctx context.Context, taxID string) (*target.Counterparty, error) {
	path := s.prefix + "/counterparties?tax_id=" + url.QueryEscape(taxID)

	var cp target.Counterparty
	err := s.c.do(ctx, http.MethodGet, path, nil, func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "id":
				cp.ID, err = d.Int64()
			case "name":
				cp.Name, err = d.Str()
			case "tax_id":
				cp.TaxID, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})

	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find counterparty")
	}
	if cp.ID == 0 {
		return nil, nil
	}
	return &cp, nil
}

func (s *session) Close(ctx context.Context) error {
	if err := s.c.do(ctx, http.MethodDelete, s.prefix, nil, nil); err != nil {
		return errors.Wrap(err, "close session")
	}
	return nil
}

func (s *session) closeQuietly(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = s.Close(ctx)
}

func (s *session) createDocument(ctx context.Context, base string, kind target.DocumentKind) (target.Document, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("kind")
	e.Str(string(kind))
	e.ObjEnd()

	var id string
	err := s.c.do(ctx, http.MethodPost, base, e.Bytes(), func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) == "id" {
				v, err := wire.DecodeString(d)
				id = v
				return err
			}
			return d.Skip()
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "create document")
	}
	if id == "" {
		return nil, errors.New("create document: empty document id")
	}
	return &document{s: s, id: id, prefix: base + "/" + url.PathEscape(id)}, nil
}

// managerV1 creates documents through the legacy document manager.
type managerV1 struct {
	target.ManagerV1
	s *session
}

func (m *managerV1) CreateDocument(ctx context.Context, kind target.DocumentKind) (target.Document, error) {
	return m.s.createDocument(ctx, m.s.prefix+"/document-manager/documents", kind)
}

// collectionV2 adds documents to the document collection.
type collectionV2 struct {
	target.CollectionV2
	s *session
}

func (c *collectionV2) CreateDocument(ctx context.Context, kind target.DocumentKind) (target.Document, error) {
	return c.s.createDocument(ctx, c.s.prefix+"/documents", kind)
}

type document struct {
	s      *session
	id     string
	prefix string
}

func (d *document) ID() string { return d.id }

func (d *document) AddLine(ctx context.Context, catalogID int64) (target.Line, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("catalog_id")
	e.Int64(catalogID)
	e.ObjEnd()

	n := -1
	err := d.s.c.do(ctx, http.MethodPost, d.prefix+"/lines", e.Bytes(), func(dec *jx.Decoder) error {
		return dec.ObjBytes(func(dec *jx.Decoder, key []byte) error {
			if string(key) == "line" {
				v, err := dec.Int()
				n = v
				return err
			}
			return dec.Skip()
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "add line %d", catalogID)
	}
	if n < 0 {
		return nil, errors.Errorf("add line %d: missing line number", catalogID)
	}
	return &line{d: d, prefix: d.prefix + "/lines/" + strconv.Itoa(n)}, nil
}

func (d *document) SetCounterparty(ctx context.Context, counterpartyID int64) error {
	body := valueBody(func(e *jx.Encoder) { e.Int64(counterpartyID) })
	if err := d.s.c.do(ctx, http.MethodPut, d.prefix+"/counterparty", body, nil); err != nil {
		return errors.Wrap(err, "set counterparty")
	}
	return nil
}

func (d *document) SetNote(ctx context.Context, text string) error {
	body := valueBody(func(e *jx.Encoder) { e.Str(text) })
	if err := d.s.c.do(ctx, http.MethodPut, d.prefix+"/note", body, nil); err != nil {
		return errors.Wrap(err, "set note")
	}
	return nil
}

func (d *document) Present(ctx context.Context) error {
	if err := d.s.c.do(ctx, http.MethodPost, d.prefix+"/present", nil, nil); err != nil {
		return errors.Wrap(err, "present document")
	}
	return nil
}

type line struct {
	d      *document
	prefix string
}

func (l *line) put(ctx context.Context, field string, body []byte) error {
	if err := l.d.s.c.do(ctx, http.MethodPut, l.prefix+"/"+field, body, nil); err != nil {
		return errors.Wrapf(err, "set %s", field)
	}
	return nil
}

func (l *line) SetQuantity(ctx context.Context, n int) error {
	return l.put(ctx, "quantity", valueBody(func(e *jx.Encoder) { e.Int(n) }))
}

func (l *line) SetNetPriceBeforeDiscount(ctx context.Context, v decimal.Decimal) error {
	return l.put(ctx, "net-price", valueBody(func(e *jx.Encoder) { wire.Decimal(e, v) }))
}

func (l *line) SetDiscountPercent(ctx context.Context, p decimal.Decimal) error {
	return l.put(ctx, "discount", valueBody(func(e *jx.Encoder) { wire.Decimal(e, p) }))
}

func (l *line) BaseNetPrice(ctx context.Context) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := l.d.s.c.do(ctx, http.MethodGet, l.prefix, nil, func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) == "base_net_price" {
				v, err := wire.DecodeDecimal(d)
				price = v
				return err
			}
			return d.Skip()
		})
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get base net price")
	}
	return price, nil
}
