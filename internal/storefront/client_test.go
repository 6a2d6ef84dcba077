package storefront

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ordersync/internal/domain/order"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const detailJSON = `{
	"id": 1001,
	"number": "WEB-1001",
	"currency": "EUR",
	"currency_rate": "0.5",
	"sub_total": 100,
	"tax_id": "HU123",
	"vat_exempt": true,
	"items": [
		{"catalog_id": "1001", "name": "Mug", "quantity": 2, "unit_price": "25.00", "tax_rate": 27, "discount": "0"},
		{"sku": 1002, "name": "Plate", "quantity": "1", "unit_price": 50.5, "extra": {"a": [1, 2]}}
	],
	"coupon": {"title": "SPRING", "amount": "15.00"},
	"fees": {"handling": "1.50", "shipping": null, "gls_flat": 3}
}`

func TestDecodeOrder(t *testing.T) {
	o, err := DecodeOrder(jx.DecodeStr(detailJSON))
	require.NoError(t, err)

	assert.Equal(t, "1001", o.ID)
	assert.Equal(t, "WEB-1001", o.Number)
	assert.Equal(t, "EUR", o.Currency)
	require.NotNil(t, o.ConversionRate)
	assert.True(t, d("0.5").Equal(*o.ConversionRate))
	assert.True(t, d("100").Equal(o.SubTotal))
	assert.Equal(t, "HU123", o.TaxID)
	assert.True(t, o.IsExportExempt())

	require.Len(t, o.Items, 2)
	assert.Equal(t, "1001", o.Items[0].CatalogID)
	assert.Equal(t, 2, o.Items[0].Quantity)
	assert.True(t, d("25").Equal(o.Items[0].UnitPrice))
	assert.True(t, d("27").Equal(o.Items[0].TaxRate))
	assert.Equal(t, "1002", o.Items[1].CatalogID)
	assert.Equal(t, 1, o.Items[1].Quantity)
	assert.True(t, d("50.5").Equal(o.Items[1].UnitPrice))

	require.NotNil(t, o.Coupon)
	assert.Equal(t, "SPRING", o.Coupon.Title)
	assert.True(t, d("15").Equal(o.Coupon.Amount))

	require.NotNil(t, o.Fees.Handling)
	assert.True(t, d("1.5").Equal(*o.Fees.Handling))
	assert.Nil(t, o.Fees.Shipping)
	assert.Nil(t, o.Fees.CodFee)
	require.NotNil(t, o.Fees.GlsFlat)
	assert.True(t, d("3").Equal(*o.Fees.GlsFlat))
}

func TestDecodeOrder_Minimal(t *testing.T) {
	o, err := DecodeOrder(jx.DecodeStr(`{"id":"7","coupon":null,"fees":null,"items":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "7", o.ID)
	assert.Nil(t, o.Coupon)
	assert.Nil(t, o.ConversionRate)
	assert.Equal(t, order.VatDomestic, o.Vat)
	assert.ErrorIs(t, o.Validate(), order.ErrEmptyItems)
}

func TestDecodeOrder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing id", `{"number":"X"}`},
		{"bad price", `{"id":1,"items":[{"unit_price":"abc"}]}`},
		{"not an object", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOrder(jx.DecodeStr(tt.input))
			require.Error(t, err)
		})
	}
}

func TestFetchOrders(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `[{"id":1,"items":[]},{"id":"2","number":"N-2","items":[]}]`)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second, WithHTTPClient(srv.Client()), WithPageSize(50))
	orders, err := c.FetchOrders(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, orders, 2)
	assert.Equal(t, "1", orders[0].ID)
	assert.Equal(t, "N-2", orders[1].Number)
	assert.Equal(t, "page=3&per_page=50", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestFetchOrderDetail_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/404":
			w.WriteHeader(http.StatusNotFound)
		case "/orders/500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = io.WriteString(w, detailJSON)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, WithHTTPClient(srv.Client()))
	ctx := context.Background()

	o, err := c.FetchOrderDetail(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "1001", o.ID)

	_, err = c.FetchOrderDetail(ctx, "404")
	require.ErrorIs(t, err, order.ErrNotFound)

	_, err = c.FetchOrderDetail(ctx, "500")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestFetchOrderDetail_CollapsesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, detailJSON)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second, WithHTTPClient(srv.Client()))

	const callers = 5
	results := make([]*order.Order, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := c.FetchOrderDetail(context.Background(), "1001")
			assert.NoError(t, err)
			results[i] = o
		}()
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, o := range results {
		require.NotNil(t, o)
		assert.Equal(t, "1001", o.ID)
	}
	assert.NotSame(t, results[0], results[1])
}
