package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ordersync/internal/docsync"
	"github.com/xenking/ordersync/internal/domain/auth"
	"github.com/xenking/ordersync/internal/domain/journal"
	"github.com/xenking/ordersync/internal/domain/order"
	"github.com/xenking/ordersync/internal/pricing"
	"github.com/xenking/ordersync/internal/session"
	"github.com/xenking/ordersync/internal/target"
	"github.com/xenking/ordersync/internal/target/targettest"
)

var testPepper = []byte("test-pepper")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type mockKeys struct {
	keys map[string]*auth.APIKeyInfo
	err  error
}

func (m *mockKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.keys[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return info, nil
}

func newMockKeys(keys map[string][]string) *mockKeys {
	m := &mockKeys{keys: make(map[string]*auth.APIKeyInfo)}
	for key, scopes := range keys {
		hash := auth.HashKey(testPepper, key)
		m.keys[hash] = &auth.APIKeyInfo{ID: key, KeyHash: hash, Name: key, Scopes: scopes}
	}
	return m
}

type mockSource struct {
	orders []order.Order
	detail map[string]*order.Order
	err    error
	pages  []int
}

func (m *mockSource) FetchOrders(_ context.Context, page int) ([]order.Order, error) {
	m.pages = append(m.pages, page)
	return m.orders, m.err
}

func (m *mockSource) FetchOrderDetail(_ context.Context, id string) (*order.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	o, ok := m.detail[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

type mockSyncer struct {
	status docsync.Status
}

func (m *mockSyncer) Synchronize(_ context.Context, o *order.Order) *docsync.SyncResult {
	return &docsync.SyncResult{RunID: uuid.New(), OrderID: o.ID, Status: m.status, Reason: string(m.status)}
}

type mockJournal struct {
	entries []journal.Entry
	err     error
	limit   int
}

func (m *mockJournal) Latest(_ context.Context, _ string, limit int) ([]journal.Entry, error) {
	m.limit = limit
	return m.entries, m.err
}

type mockSeen map[string]bool

func (m mockSeen) Synced(_ context.Context, id string) (bool, error) {
	if id == "broken" {
		return false, errors.New("db down")
	}
	return m[id], nil
}

type settings struct{}

func (settings) IdleTimeoutMinutes() int { return 5 }

func (settings) SessionCredentials() target.Credentials {
	return target.Credentials{Operator: "admin", Database: "shop"}
}

type fixture struct {
	conn     *targettest.Connector
	sessions *session.Manager
	source   *mockSource
	journal  *mockJournal
	mux      *http.ServeMux
}

func newFixture(t *testing.T, syncer Synchronizer) *fixture {
	t.Helper()
	conn := targettest.New()
	conn.BasePrices[1001] = d("40.00")
	conn.BasePrices[1002] = d("50.00")
	sessions := session.NewManager(conn, settings{})
	if syncer == nil {
		syncer = docsync.NewService(pricing.NewPlanner(pricing.DefaultFeeCatalog()), sessions)
	}

	f := &fixture{
		conn:     conn,
		sessions: sessions,
		source:   &mockSource{detail: make(map[string]*order.Order)},
		journal:  &mockJournal{},
		mux:      http.NewServeMux(),
	}
	h := NewHandler(HandlerConfig{JournalLimit: 5}, f.source, syncer, sessions, f.journal, mockSeen{"1": true}, nil)
	sec := NewSecurityHandler(newMockKeys(map[string][]string{
		"all":    {auth.ScopeRead, auth.ScopeSync, auth.ScopeSession},
		"reader": {auth.ScopeRead},
	}), testPepper)
	h.Register(f.mux, sec)
	return f
}

func (f *fixture) do(method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

// fields decodes a flat JSON object into raw values.
func fields(t *testing.T, body []byte) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		raw, err := d.Raw()
		out[string(key)] = strings.Trim(raw.String(), `"`)
		return err
	})
	require.NoError(t, err)
	return out
}

func couponOrder() *order.Order {
	return &order.Order{
		ID:     "77",
		Number: "WEB-77",
		Items: []order.LineItem{
			{CatalogID: "1001", Quantity: 1, UnitPrice: d("50.00")},
			{CatalogID: "1002", Quantity: 1, UnitPrice: d("50.00")},
		},
		Coupon:   &order.Coupon{Title: "SPRING", Amount: d("15.00")},
		SubTotal: d("100.00"),
		Currency: "EUR",
	}
}

func TestSecurity(t *testing.T) {
	f := newFixture(t, &mockSyncer{status: docsync.StatusOK})

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"missing key", http.MethodGet, "/api/orders", "", http.StatusUnauthorized},
		{"unknown key", http.MethodGet, "/api/orders", "nope", http.StatusUnauthorized},
		{"read scope", http.MethodGet, "/api/orders", "reader", http.StatusOK},
		{"missing sync scope", http.MethodPost, "/api/orders/1/sync", "reader", http.StatusForbidden},
		{"missing session scope", http.MethodGet, "/api/session", "reader", http.StatusForbidden},
		{"all scopes", http.MethodGet, "/api/session", "all", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(tt.method, tt.path, tt.key).Code)
		})
	}
}

func TestAuthenticate_RepositoryError(t *testing.T) {
	sec := NewSecurityHandler(&mockKeys{err: errors.New("db down")}, testPepper)
	_, err := sec.Authenticate(context.Background(), "all")
	assert.ErrorIs(t, err, errUnauthorized)
}

func TestAuthenticate_StoredHashMismatch(t *testing.T) {
	keys := newMockKeys(map[string][]string{"all": {auth.ScopeRead}})
	for _, info := range keys.keys {
		info.KeyHash = auth.HashKey([]byte("other"), "all")
	}
	sec := NewSecurityHandler(keys, testPepper)
	_, err := sec.Authenticate(context.Background(), "all")
	assert.ErrorIs(t, err, errUnauthorized)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t, &mockSyncer{status: docsync.StatusOK})
	f.source.orders = []order.Order{
		{ID: "1", Currency: "EUR", SubTotal: d("10.00"), Items: make([]order.LineItem, 2)},
		{ID: "2", Currency: "EUR", SubTotal: d("5.00"), Coupon: &order.Coupon{Title: "X", Amount: d("1")}},
		{ID: "broken", Currency: "EUR"},
	}

	w := f.do(http.MethodGet, "/api/orders?page=3", "reader")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{3}, f.source.pages)

	type summary struct {
		id     string
		synced bool
	}
	var got []summary
	err := jx.DecodeBytes(w.Body.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "orders" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var s summary
			err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				switch string(key) {
				case "id":
					v, err := d.Str()
					s.id = v
					return err
				case "synced":
					v, err := d.Bool()
					s.synced = v
					return err
				default:
					return d.Skip()
				}
			})
			got = append(got, s)
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []summary{{"1", true}, {"2", false}, {"broken", false}}, got)
}

func TestListOrders_BadPage(t *testing.T) {
	f := newFixture(t, &mockSyncer{status: docsync.StatusOK})
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/orders?page=0", "reader").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/orders?page=x", "reader").Code)
}

func TestListOrders_UpstreamError(t *testing.T) {
	f := newFixture(t, &mockSyncer{status: docsync.StatusOK})
	f.source.err = errors.New("timeout")
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodGet, "/api/orders", "reader").Code)
}

func TestSyncOrder_StatusCodes(t *testing.T) {
	tests := []struct {
		status docsync.Status
		want   int
	}{
		{docsync.StatusOK, http.StatusOK},
		{docsync.StatusPartialFailure, http.StatusMultiStatus},
		{docsync.StatusSessionUnavailable, http.StatusServiceUnavailable},
		{docsync.StatusFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(t, &mockSyncer{status: tt.status})
			f.source.detail["9"] = &order.Order{ID: "9"}

			w := f.do(http.MethodPost, "/api/orders/9/sync", "all")
			assert.Equal(t, tt.want, w.Code)
			body := fields(t, w.Body.Bytes())
			assert.Equal(t, "9", body["order_id"])
			assert.Equal(t, string(tt.status), body["status"])
		})
	}
}

func TestSyncOrder_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/orders/404/sync", "all").Code)
	assert.Zero(t, f.conn.Created())
}

func TestSyncOrder_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.source.detail["77"] = couponOrder()

	w := f.do(http.MethodPost, "/api/orders/77/sync", "all")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := fields(t, w.Body.Bytes())
	assert.Equal(t, "ok", body["status"])
	assert.True(t, d("15").Equal(d(body["coupon_percent"])))
	assert.NotEmpty(t, body["document_id"])
	assert.Equal(t, 1, f.conn.Created())
	assert.True(t, f.sessions.IsActive())

	doc := f.conn.LastDocument()
	require.NotNil(t, doc)
	require.Len(t, doc.Lines, 2)
	assert.True(t, d("42.50").Equal(doc.Lines[0].NetPrice()))
}

func TestOrderJournal(t *testing.T) {
	f := newFixture(t, nil)
	f.journal.entries = []journal.Entry{{
		ID:              uuid.New(),
		OrderID:         "77",
		Status:          "ok",
		DocumentID:      "doc-1",
		DocumentCreated: true,
		Lines:           2,
		CouponPercent:   d("15"),
		SyncedAt:        time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}}

	w := f.do(http.MethodGet, "/api/orders/77/journal", "reader")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, f.journal.limit)
	assert.Contains(t, w.Body.String(), `"synced_at":"2025-06-15T12:00:00Z"`)
	assert.Contains(t, w.Body.String(), `"document_id":"doc-1"`)

	f.journal.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, "/api/orders/77/journal", "reader").Code)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/session", "all")
	require.Equal(t, http.StatusOK, w.Code)
	body := fields(t, w.Body.Bytes())
	assert.Equal(t, "false", body["active"])
	assert.Equal(t, "5", body["idle_timeout_minutes"])
	assert.Equal(t, "0", body["remaining_seconds"])

	w = f.do(http.MethodPost, "/api/session", "all")
	require.Equal(t, http.StatusOK, w.Code)
	body = fields(t, w.Body.Bytes())
	assert.Equal(t, "true", body["active"])
	assert.Equal(t, "session-1", body["session_id"])
	assert.Equal(t, "300", body["remaining_seconds"])

	// Reuse.
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/session", "all").Code)
	assert.Equal(t, 1, f.conn.Created())

	w = f.do(http.MethodDelete, "/api/session", "all")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "false", fields(t, w.Body.Bytes())["active"])
	assert.Equal(t, 1, f.conn.Closed())
}

func TestOpenSession_Unavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.CreateErr = errors.Wrap(target.ErrUnavailable, "bridge down")

	w := f.do(http.MethodPost, "/api/session", "all")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, f.sessions.IsActive())
}

func TestSessionEvents(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/session/events", nil)
	require.NoError(t, err)
	req.Header.Set(APIKeyHeader, "all")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() map[string]string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				return fields(t, []byte(strings.TrimSpace(data)))
			}
		}
	}

	assert.Equal(t, "false", next()["active"])

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.sessions.Acquire(context.Background())
	}()
	ev := next()
	assert.Equal(t, "true", ev["active"])
	assert.Equal(t, "acquired", ev["reason"])
	wg.Wait()

	f.sessions.Release(context.Background(), session.ReasonExplicit)
	ev = next()
	assert.Equal(t, "false", ev["active"])
	assert.Equal(t, "explicit", ev["reason"])
}
