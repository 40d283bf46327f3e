// Package remote implements the storage.RemoteStore contract against the
// managed backend's REST surface.
//
// # Quick start
//
//	c := remote.New("https://api.example.com", remote.WithAPIKey("secret"))
//
//	row, err := c.Insert(ctx, "tasks", types.Record{"id": "t1", "title": "Buy milk"})
//	row, err = c.Update(ctx, "tasks", "t1", types.Record{"status": "completed"})
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &remote.APIError{}) to inspect the HTTP
// status and server message. A 404 is additionally wrapped so that
// errors.Is(err, storage.ErrNotFound) holds.
//
// # Rate limiting and connection reuse
//
// The client shares one http.Client (connection reuse across goroutines)
// and throttles outbound calls through a token bucket so a large queue
// drain cannot hammer the backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/duetlabs/pairsync/internal/metrics"
	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/types"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the backend responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// ─── Client options ───────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key sent in every request as the X-Api-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRateLimit caps outbound requests per second, with the given burst.
// The default is 50 rps with a burst of 100.
func WithRateLimit(rps, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithMetrics records per-table call outcomes into reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Client) { c.reg = reg }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to the backend's row store. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	reg     *metrics.Registry
	log     zerolog.Logger
}

var _ storage.RemoteStore = (*Client)(nil)

// New creates a Client for the backend at baseURL.
//
//	c := remote.New("http://localhost:8080")
//	c := remote.New("https://api.example.com", remote.WithAPIKey("secret"))
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping issues a cheap health-check round trip. Used by the connection
// monitor's background probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil, "")
}

// ─── RemoteStore implementation ───────────────────────────────────────────────

// Insert creates a row. The record must carry its "id".
func (c *Client) Insert(ctx context.Context, table string, record types.Record) (types.Record, error) {
	var out types.Record
	path := fmt.Sprintf("/tables/%s/rows", url.PathEscape(table))
	if err := c.doJSON(ctx, http.MethodPost, path, record, &out, table); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return out, nil
}

// Update applies a partial record and returns the stored row.
func (c *Client) Update(ctx context.Context, table, id string, partial types.Record) (types.Record, error) {
	var out types.Record
	path := fmt.Sprintf("/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPatch, path, partial, &out, table); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	return out, nil
}

// Delete removes a row. A 404 is swallowed: deleting an absent row is fine.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	path := fmt.Sprintf("/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(id))
	err := c.doJSON(ctx, http.MethodDelete, path, nil, nil, table)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

// SelectByID returns a row, or storage.ErrNotFound.
func (c *Client) SelectByID(ctx context.Context, table, id string) (types.Record, error) {
	var out types.Record
	path := fmt.Sprintf("/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, table); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("select %s/%s: %w", table, id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("select %s/%s: %w", table, id, err)
	}
	return out, nil
}

// SelectWhere returns all rows matching the filter. The filter is posted as
// a JSON body because its values are arbitrary JSON, not flat strings.
func (c *Client) SelectWhere(ctx context.Context, table string, filter types.Record) ([]types.Record, error) {
	var out []types.Record
	path := fmt.Sprintf("/tables/%s/query", url.PathEscape(table))
	if err := c.doJSON(ctx, http.MethodPost, path, filter, &out, table); err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return out, nil
}

// ─── HTTP plumbing ────────────────────────────────────────────────────────────

// doJSON performs one rate-limited request. body and out may be nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, table string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(table, "error")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.record(table, "error")
		return decodeAPIError(resp)
	}
	c.record(table, "ok")

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) record(table, outcome string) {
	if table != "" {
		c.reg.IncRemoteCall(metrics.RemoteKey(table, outcome))
	}
}

// decodeAPIError extracts the server's error message from a non-2xx body.
func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
}
