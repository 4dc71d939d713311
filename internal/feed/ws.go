// Package feed keeps the price cache and the health monitor supplied with
// market data. Live venues stream over WebSocket; paper venues get a
// synthetic random-walk feed so the rest of the system runs unchanged.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/health"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// wsEnvelope is the normalized stream message shape. The connector service
// that bridges raw venue feeds publishes these; one message carries either a
// ticker or a funding update.
type wsEnvelope struct {
	Type    string          `json:"type"` // "ticker" or "funding"
	Ticker  json.RawMessage `json:"ticker,omitempty"`
	Funding json.RawMessage `json:"funding,omitempty"`
}

type wsSubscribe struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WSFeed consumes one venue's normalized market data stream and fans every
// update into the price cache and the health monitor. It reconnects with
// exponential backoff until the context is cancelled.
type WSFeed struct {
	venue   string
	url     string
	symbols []string
	cache   domain.PriceCache
	monitor *health.Monitor
	logger  *slog.Logger
}

// NewWSFeed creates a feed for one venue stream.
func NewWSFeed(venue, url string, symbols []string, cache domain.PriceCache, monitor *health.Monitor, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		venue:   venue,
		url:     url,
		symbols: symbols,
		cache:   cache,
		monitor: monitor,
		logger: logger.With(
			slog.String("component", "ws_feed"),
			slog.String("venue", venue),
		),
	}
}

// Run connects and consumes the stream until ctx is cancelled. Every
// disconnect is reported to the health monitor before the backoff sleep, so
// validation refuses the venue while the stream is down.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.monitor.MarkDisconnect(f.venue)
		f.logger.Warn("stream dropped, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sub, err := json.Marshal(wsSubscribe{Op: "subscribe", Symbols: f.symbols})
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	f.monitor.MarkConnected(f.venue)
	f.logger.Info("stream subscribed", slog.Int("symbols", len(f.symbols)))

	// Closing the connection unblocks ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, raw)
	}
}

func (f *WSFeed) handleMessage(ctx context.Context, raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Unparseable frames are dropped; one bad message must not kill
		// the stream.
		return
	}

	switch env.Type {
	case "ticker":
		var t domain.Ticker
		if err := json.Unmarshal(env.Ticker, &t); err != nil {
			return
		}
		t.Venue = f.venue
		f.monitor.Observe(t)
		if err := f.cache.SetTicker(ctx, t); err != nil {
			f.logger.Debug("ticker cache write failed", slog.String("error", err.Error()))
		}
	case "funding":
		var fr domain.FundingRate
		if err := json.Unmarshal(env.Funding, &fr); err != nil {
			return
		}
		fr.Venue = f.venue
		if err := f.cache.SetFunding(ctx, fr); err != nil {
			f.logger.Debug("funding cache write failed", slog.String("error", err.Error()))
		}
	}
}
