// Package bridge implements target.Connector on top of the automation
// bridge: a companion process that hosts the target system's automation
// objects and exposes them over HTTP/JSON.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/target"
)

var _ target.Connector = (*Client)(nil)

// StatusError is returned for non-2xx responses that do not indicate a
// transport fault.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bridge responded %d", e.Code)
	}
	return fmt.Sprintf("bridge responded %d: %s", e.Code, e.Message)
}

// Client talks to the automation bridge.
type Client struct {
	baseURL string
	http    *http.Client
	lg      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(cl *Client) {
		if lg != nil {
			cl.lg = lg
		}
	}
}

// New creates a Client for the bridge at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
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

// CreateSession opens a session and probes its document API flavour once.
// Any failure is reported as target.ErrUnavailable.
func (c *Client) CreateSession(ctx context.Context, creds target.Credentials) (target.Handle, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("operator")
	e.Str(creds.Operator)
	e.FieldStart("password")
	e.Str(creds.Password)
	e.FieldStart("database")
	e.Str(creds.Database)
	e.ObjEnd()

	var id string
	err := c.do(ctx, http.MethodPost, "/sessions", e.Bytes(), func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) == "id" {
				v, err := d.Str()
				id = v
				return err
			}
			return d.Skip()
		})
	})
	if err != nil {
		return nil, errors.Wrapf(target.ErrUnavailable, "create session: %v", err)
	}
	if id == "" {
		return nil, errors.Wrap(target.ErrUnavailable, "create session: empty session id")
	}

	s := &session{c: c, id: id, prefix: "/sessions/" + url.PathEscape(id)}
	variant, err := s.probe(ctx)
	if err != nil {
		s.closeQuietly(ctx)
		return nil, errors.Wrapf(target.ErrUnavailable, "probe capabilities: %v", err)
	}

	switch variant {
	case "manager_v1":
		s.docs = &managerV1{s: s}
	case "collection_v2":
		s.docs = &collectionV2{s: s}
	default:
		s.closeQuietly(ctx)
		return nil, errors.Wrapf(target.ErrUnavailable, "unsupported document api %q", variant)
	}

	c.lg.Debug("Bridge session opened",
		zap.String("session", id),
		zap.String("documents", variant),
	)
	return s, nil
}

// do performs a request. Network errors, 410 Gone and 5xx responses are
// transport faults: the bridge lost the automation session.
func (c *Client) do(ctx context.Context, method, path string, body []byte, decode func(d *jx.Decoder) error) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(target.ErrTransport, "%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(target.ErrTransport, "read %s %s: %v", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode >= 500:
		return errors.Wrapf(target.ErrTransport, "%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}

	if decode == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := decode(jx.DecodeBytes(data)); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

// errorMessage extracts {"message": "..."} from an error body.
func errorMessage(data []byte) string {
	var msg string
	_ = jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) == "message" {
			v, err := d.Str()
			msg = v
			return err
		}
		return d.Skip()
	})
	return msg
}

func valueBody(write func(e *jx.Encoder)) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("value")
	write(&e)
	e.ObjEnd()
	return e.Bytes()
}
