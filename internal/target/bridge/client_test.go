package bridge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ordersync/internal/target"
)

// fakeBridge emulates the automation bridge protocol.
type fakeBridge struct {
	mu       sync.Mutex
	variant  string
	failPath string
	failCode int
	calls    []string
	bodies   map[string]string
}

func (b *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	call := r.Method + " " + r.URL.Path
	b.calls = append(b.calls, call)
	if b.bodies == nil {
		b.bodies = make(map[string]string)
	}
	b.bodies[call] = string(body)
	failPath, failCode, variant := b.failPath, b.failCode, b.variant
	b.mu.Unlock()

	if failPath != "" && strings.HasSuffix(call, failPath) {
		w.WriteHeader(failCode)
		_, _ = io.WriteString(w, `{"message":"injected"}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case call == "POST /sessions":
		_, _ = io.WriteString(w, `{"id":"s1"}`)
	case call == "GET /sessions/s1/capabilities":
		_, _ = io.WriteString(w, `{"documents":"`+variant+`"}`)
	case call == "DELETE /sessions/s1":
		w.WriteHeader(http.StatusNoContent)
	case call == "GET /sessions/s1/counterparties":
		if r.URL.Query().Get("tax_id") != "HU123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"id":42,"name":"Acme","tax_id":"HU123"}`)
	case strings.HasSuffix(call, "/documents") && r.Method == http.MethodPost:
		_, _ = io.WriteString(w, `{"id":7}`)
	case strings.HasSuffix(call, "/lines"):
		_, _ = io.WriteString(w, `{"line":0}`)
	case r.Method == http.MethodGet && strings.HasSuffix(call, "/lines/0"):
		_, _ = io.WriteString(w, `{"base_net_price":"40.00"}`)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (b *fakeBridge) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBridge) Body(call string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[call]
}

func newTestClient(t *testing.T, b *fakeBridge) *Client {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return New(srv.URL, 5*time.Second, WithHTTPClient(srv.Client()))
}

var creds = target.Credentials{Operator: "admin", Password: "secret", Database: "shop"}

func TestCreateSession_ProbesVariant(t *testing.T) {
	tests := []struct {
		name    string
		variant string
		want    target.Variant
		path    string
	}{
		{"manager", "manager_v1", target.VariantManagerV1, "POST /sessions/s1/document-manager/documents"},
		{"collection", "collection_v2", target.VariantCollectionV2, "POST /sessions/s1/documents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBridge{variant: tt.variant}
			c := newTestClient(t, b)
			ctx := context.Background()

			h, err := c.CreateSession(ctx, creds)
			require.NoError(t, err)
			assert.Equal(t, "s1", h.ID())
			assert.Equal(t, tt.want, h.Documents().Variant())

			doc, err := h.Documents().CreateDocument(ctx, target.KindCustomerOrder)
			require.NoError(t, err)
			assert.Equal(t, "7", doc.ID())
			assert.Contains(t, b.Calls(), tt.path)

			d := jx.DecodeStr(b.Body("POST /sessions"))
			var operator string
			require.NoError(t, d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) == "operator" {
					v, err := d.Str()
					operator = v
					return err
				}
				return d.Skip()
			}))
			assert.Equal(t, "admin", operator)
		})
	}
}

func TestCreateSession_UnsupportedVariant(t *testing.T) {
	b := &fakeBridge{variant: "automation_v9"}
	c := newTestClient(t, b)

	_, err := c.CreateSession(context.Background(), creds)
	require.ErrorIs(t, err, target.ErrUnavailable)
	assert.Contains(t, b.Calls(), "DELETE /sessions/s1")
}

func TestCreateSession_Rejected(t *testing.T) {
	b := &fakeBridge{variant: "collection_v2", failPath: "POST /sessions", failCode: http.StatusUnauthorized}
	c := newTestClient(t, b)

	_, err := c.CreateSession(context.Background(), creds)
	require.ErrorIs(t, err, target.ErrUnavailable)
}

func TestCreateSession_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, time.Second)
	_, err := c.CreateSession(context.Background(), creds)
	require.ErrorIs(t, err, target.ErrUnavailable)
}

func TestDocumentLines(t *testing.T) {
	b := &fakeBridge{variant: "collection_v2"}
	c := newTestClient(t, b)
	ctx := context.Background()

	h, err := c.CreateSession(ctx, creds)
	require.NoError(t, err)
	doc, err := h.Documents().CreateDocument(ctx, target.KindCustomerOrder)
	require.NoError(t, err)

	line, err := doc.AddLine(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, `{"catalog_id":1001}`, b.Body("POST /sessions/s1/documents/7/lines"))

	base, err := line.BaseNetPrice(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("40").Equal(base))

	require.NoError(t, line.SetQuantity(ctx, 3))
	require.NoError(t, line.SetDiscountPercent(ctx, decimal.RequireFromString("15")))
	require.NoError(t, line.SetNetPriceBeforeDiscount(ctx, decimal.RequireFromString("42.50")))
	require.NoError(t, doc.SetNote(ctx, "Order 1001"))
	require.NoError(t, doc.SetCounterparty(ctx, 42))
	require.NoError(t, doc.Present(ctx))

	assert.Equal(t, `{"value":3}`, b.Body("PUT /sessions/s1/documents/7/lines/0/quantity"))
	assert.Equal(t, `{"value":"15"}`, b.Body("PUT /sessions/s1/documents/7/lines/0/discount"))
	assert.Equal(t, `{"value":"42.5"}`, b.Body("PUT /sessions/s1/documents/7/lines/0/net-price"))
	assert.Equal(t, `{"value":"Order 1001"}`, b.Body("PUT /sessions/s1/documents/7/note"))
	assert.Equal(t, `{"value":42}`, b.Body("PUT /sessions/s1/documents/7/counterparty"))
	assert.Contains(t, b.Calls(), "POST /sessions/s1/documents/7/present")
}

func TestFindCounterparty(t *testing.T) {
	b := &fakeBridge{variant: "collection_v2"}
	c := newTestClient(t, b)
	ctx := context.Background()

	h, err := c.CreateSession(ctx, creds)
	require.NoError(t, err)

	cp, err := h.FindCounterpartyByTaxID(ctx, "HU123")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(42), cp.ID)
	assert.Equal(t, "Acme", cp.Name)

	cp, err = h.FindCounterpartyByTaxID(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestTransportFaults(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		fault bool
	}{
		{"gone", http.StatusGone, true},
		{"server error", http.StatusBadGateway, true},
		{"validation", http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBridge{variant: "collection_v2"}
			c := newTestClient(t, b)
			ctx := context.Background()

			h, err := c.CreateSession(ctx, creds)
			require.NoError(t, err)

			b.mu.Lock()
			b.failPath, b.failCode = "/documents", tt.code
			b.mu.Unlock()

			_, err = h.Documents().CreateDocument(ctx, target.KindCustomerOrder)
			require.Error(t, err)
			assert.Equal(t, tt.fault, target.IsTransportFault(err))

			if !tt.fault {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.code, se.Code)
				assert.Equal(t, "injected", se.Message)
			}
		})
	}
}

func TestClose(t *testing.T) {
	b := &fakeBridge{variant: "manager_v1"}
	c := newTestClient(t, b)
	ctx := context.Background()

	h, err := c.CreateSession(ctx, creds)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))
	assert.Contains(t, b.Calls(), "DELETE /sessions/s1")
}
