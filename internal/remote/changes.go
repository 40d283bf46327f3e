package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/types"
)

// changeFrame is the JSON structure the backend pushes on the change feed.
//
//	{"kind":"update","table":"tasks","id":"t1","record":{...}}
type changeFrame struct {
	Kind   string       `json:"kind"` // "insert" | "update" | "delete"
	Table  string       `json:"table"`
	ID     string       `json:"id"`
	Record types.Record `json:"record,omitempty"`
}

// WithLogger sets the logger used by the change-feed read loop.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Subscribe opens the backend's WebSocket change feed for table and invokes
// fn for every row change until ctx is cancelled. An empty table subscribes
// to all tables.
//
// The feed reconnects with a capped backoff after transport errors, so a
// single dropped connection does not end the subscription. Subscribe itself
// only returns an error when the feed URL cannot be built.
func (c *Client) Subscribe(ctx context.Context, table string, fn func(storage.ChangeEvent)) error {
	feedURL, err := c.changesURL(table)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", table, err)
	}

	go c.feedLoop(ctx, feedURL, table, fn)
	return nil
}

// changesURL derives the ws:// (or wss://) feed endpoint from the base URL.
func (c *Client) changesURL(table string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket scheme
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/changes"
	if table != "" {
		q := u.Query()
		q.Set("table", table)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// feedLoop dials the feed and pumps frames into fn, reconnecting on error.
func (c *Client) feedLoop(ctx context.Context, feedURL, table string, fn func(storage.ChangeEvent)) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialFeed(ctx, feedURL)
		if err != nil {
			c.log.Warn().Err(err).Str("table", table).Msg("change feed dial failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		c.log.Debug().Str("table", table).Msg("change feed connected")
		c.readFrames(ctx, conn, table, fn)
		conn.Close()
	}
}

func (c *Client) dialFeed(ctx context.Context, feedURL string) (*gorillaws.Conn, error) {
	var hdr map[string][]string
	if c.apiKey != "" {
		hdr = map[string][]string{"X-Api-Key": {c.apiKey}}
	}
	conn, _, err := gorillaws.DefaultDialer.DialContext(ctx, feedURL, hdr)
	return conn, err
}

// readFrames decodes change frames until the connection drops or ctx ends.
func (c *Client) readFrames(ctx context.Context, conn *gorillaws.Conn, table string, fn func(storage.ChangeEvent)) {
	// Unblock ReadMessage when the subscription context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Str("table", table).Msg("change feed read failed")
			}
			return
		}

		var frame changeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn().Err(err).Msg("change feed frame malformed")
			continue
		}

		fn(storage.ChangeEvent{
			Kind:   storage.ChangeKind(frame.Kind),
			Table:  frame.Table,
			ID:     frame.ID,
			Record: frame.Record,
		})
	}
}

// sleepCtx sleeps for d unless ctx ends first. Reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
