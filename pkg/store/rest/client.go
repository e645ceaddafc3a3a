// Package rest implements the Store contract against the remote store's
// row API: CRUD over HTTP, the change feed over a websocket. Transient
// failures on idempotent calls are retried with bounded exponential
// backoff; every call honors context cancellation so deselecting a
// conversation aborts its in-flight fetches.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"flocksync/pkg/logger"
	"flocksync/pkg/store"
	"flocksync/pkg/telemetry"
)

const defaultTimeout = 15 * time.Second

type Options struct {
	Endpoint string
	APIKey   string
	// RPS/Burst feed the client-side limiter; zero values fall back to
	// safe defaults.
	RPS   float64
	Burst int
	// Attempts bounds retries of transient failures on idempotent calls.
	Attempts    int
	BaseBackoff time.Duration
}

type Client struct {
	opts    Options
	http    *fasthttp.Client
	limiter *rate.Limiter

	feed *feed
}

func New(opts Options) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	c := &Client{
		opts:    opts,
		http:    &fasthttp.Client{},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
	}
	c.feed = newFeed(opts)
	return c
}

func (c *Client) tableURL(table string, q url.Values) string {
	u := c.opts.Endpoint + "/rows/" + url.PathEscape(table)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// encodeFilters renders filters as query params, one per column.
func encodeFilters(q url.Values, filters []store.Filter) {
	for _, f := range filters {
		switch f.Op {
		case store.OpEq:
			q.Add(f.Column, "eq."+fmt.Sprint(f.Value))
		case store.OpIn:
			vals, _ := f.Value.([]string)
			q.Add(f.Column, "in.("+strings.Join(vals, ",")+")")
		case store.OpIs:
			if f.Value == nil {
				q.Add(f.Column, "is.null")
			} else {
				q.Add(f.Column, "is."+fmt.Sprint(f.Value))
			}
		}
	}
}

func (c *Client) Select(ctx context.Context, table string, q store.Query) ([]json.RawMessage, error) {
	params := url.Values{}
	encodeFilters(params, q.Filters)
	if q.Order.Column != "" {
		dir := "asc"
		if q.Order.Desc {
			dir = "desc"
		}
		params.Set("order", q.Order.Column+"."+dir)
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var rows []json.RawMessage
	err := c.withRetry(ctx, "select", func() error {
		body, err := c.do(ctx, fasthttp.MethodGet, c.tableURL(table, params), nil, "")
		if err != nil {
			return err
		}
		rows = rows[:0]
		return json.Unmarshal(body, &rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	// inserts are not idempotent; no retry
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, fasthttp.MethodPost, c.tableURL(table, nil), payload, "return=representation")
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("insert").Inc()
		return nil, err
	}
	return firstRow(body)
}

func (c *Client) Upsert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.withRetry(ctx, "upsert", func() error {
		body, err := c.do(ctx, fasthttp.MethodPost, c.tableURL(table, nil), payload,
			"resolution=merge-duplicates,return=representation")
		if err != nil {
			return err
		}
		row, err := firstRow(body)
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

func (c *Client) Update(ctx context.Context, table string, filters []store.Filter, patch json.RawMessage) error {
	params := url.Values{}
	encodeFilters(params, filters)
	return c.withRetry(ctx, "update", func() error {
		_, err := c.do(ctx, fasthttp.MethodPatch, c.tableURL(table, params), patch, "")
		return err
	})
}

func (c *Client) Delete(ctx context.Context, table string, filters []store.Filter) error {
	params := url.Values{}
	encodeFilters(params, filters)
	return c.withRetry(ctx, "delete", func() error {
		_, err := c.do(ctx, fasthttp.MethodDelete, c.tableURL(table, params), nil, "")
		return err
	})
}

func (c *Client) Subscribe(ctx context.Context, fn func(store.Event)) (func(), error) {
	return c.feed.Subscribe(ctx, fn)
}

// OnReconnect registers a hook run after the feed re-establishes its
// websocket. The dispatcher uses this to fire a full resync.
func (c *Client) OnReconnect(fn func()) {
	c.feed.OnReconnect(fn)
}

// withRetry runs op, retrying transient failures with exponential
// backoff and jitter, bounded by the configured attempt count.
func (c *Client) withRetry(ctx context.Context, opName string, op func() error) error {
	var err error
	for attempt := 0; attempt < c.opts.Attempts; attempt++ {
		if attempt > 0 {
			backoff := c.opts.BaseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			telemetry.StoreRetries.Inc()
			logger.Debug("store_retry", "op", opName, "attempt", attempt)
		}
		if werr := c.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = op()
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			break
		}
	}
	telemetry.StoreErrors.WithLabelValues(opName).Inc()
	return err
}

// do performs one HTTP exchange and maps status codes onto the store's
// sentinel errors.
func (c *Client) do(ctx context.Context, method, uri string, body []byte, prefer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", c.opts.APIKey)
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	timeout := defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain < timeout {
			timeout = remain
		}
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		out := make([]byte, len(resp.Body()))
		copy(out, resp.Body())
		return out, nil
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return nil, store.ErrDenied
	case status == fasthttp.StatusNotFound:
		return nil, store.ErrNotFound
	case status == fasthttp.StatusConflict:
		return nil, store.ErrConflict
	case status >= 500:
		return nil, fmt.Errorf("%w: status %d", store.ErrTransient, status)
	default:
		return nil, fmt.Errorf("store request failed: status %d", status)
	}
}

// firstRow unwraps the single-row representation the row API returns for
// writes (an array with one element, or a bare object).
func firstRow(body []byte) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, store.ErrNotFound
		}
		return rows[0], nil
	}
	return json.RawMessage(body), nil
}
