// Package storefront fetches orders from the storefront REST API and
// normalizes them into order.Order values.
package storefront

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/ordersync/internal/domain/order"
)

var _ order.Source = (*Client)(nil)

// DefaultPageSize is used when no page size is configured.
const DefaultPageSize = 20

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storefront responded %d", e.Code)
}

// Client is an order.Source backed by the storefront API.
type Client struct {
	baseURL  string
	token    string
	pageSize int
	http     *http.Client
	lg       *zap.Logger

	details singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithPageSize sets the number of orders requested per page.
func WithPageSize(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(cl *Client) {
		if lg != nil {
			cl.lg = lg
		}
	}
}

// New creates a Client. An empty token disables authentication.
func New(baseURL, token string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		pageSize: DefaultPageSize,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		lg: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FetchOrders returns one page of orders, 1-based.
func (c *Client) FetchOrders(ctx context.Context, page int) ([]order.Order, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.pageSize))

	var orders []order.Order
	err := c.get(ctx, "/orders?"+q.Encode(), func(d *jx.Decoder) error {
		return d.Arr(func(d *jx.Decoder) error {
			o, err := DecodeOrder(d)
			if err != nil {
				return err
			}
			orders = append(orders, *o)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch orders page %d", page)
	}
	c.lg.Debug("Fetched orders", zap.Int("page", page), zap.Int("count", len(orders)))
	return orders, nil
}

// FetchOrderDetail returns a single order. Concurrent requests for the same
// id share one upstream call.
func (c *Client) FetchOrderDetail(ctx context.Context, id string) (*order.Order, error) {
	v, err, _ := c.details.Do(id, func() (any, error) {
		var o *order.Order
		err := c.get(ctx, "/orders/"+url.PathEscape(id), func(d *jx.Decoder) error {
			var err error
			o, err = DecodeOrder(d)
			return err
		})
		return o, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch order %s", id)
	}
	cp := *v.(*order.Order)
	return &cp, nil
}

func (c *Client) get(ctx context.Context, path string, decode func(d *jx.Decoder) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return order.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if err := decode(jx.DecodeBytes(data)); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
