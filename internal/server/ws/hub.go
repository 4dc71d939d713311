// Package ws pushes live engine events to dashboard clients over WebSocket.
// The hub subscribes to the journal, wraps each trade or incident in a typed
// envelope, and fans it out to every connected client that asked for that
// event type.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// channel names clients can subscribe to.
const (
	ChannelTrades    = "trades"
	ChannelIncidents = "incidents"
	ChannelRisk      = "risk"
)

var defaultChannels = []string{ChannelTrades, ChannelIncidents, ChannelRisk}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in the CORS middleware; the upgrade
		// itself accepts any origin.
		return true
	},
}

// envelope is the wire shape of every outgoing message.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// subscribeMsg is the JSON message a client sends to manage subscriptions.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Hub manages the connected clients and fans engine events out to them.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// Config captures runtime metadata reported to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub. Wire it to the journal with BroadcastTrade and
// BroadcastIncident before starting Run.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       cfg.Mode,
		startedAt:  startedAt,
	}
}

// BroadcastTrade pushes one trade snapshot to subscribed clients. Safe to
// call from any goroutine; events are dropped when the hub is saturated.
func (h *Hub) BroadcastTrade(t domain.Trade) {
	h.publish(ChannelTrades, envelope{Type: "trade", Payload: t})
}

// BroadcastIncident pushes one incident to subscribed clients.
func (h *Hub) BroadcastIncident(inc domain.Incident) {
	h.publish(ChannelIncidents, envelope{Type: "incident", Payload: inc})
}

// BroadcastRisk pushes a risk snapshot to subscribed clients.
func (h *Hub) BroadcastRisk(snap domain.RiskSnapshot) {
	h.publish(ChannelRisk, envelope{Type: "risk", Payload: snap})
}

func (h *Hub) publish(channel string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("ws: marshal event failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: data}:
	default:
		h.logger.Warn("ws: broadcast buffer full, event dropped", slog.String("channel", channel))
	}
}

// Run handles registration and broadcasting until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	n := len(h.clients)
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		n--
	}
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) fanOut(msg broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(msg.channel) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			// Slow client; the event stream must not back up.
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// HandleWS upgrades the request and registers the client. New clients start
// subscribed to every channel.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}

	h.register <- c
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// readPump consumes subscription messages until the connection drops, then
// unregisters the client.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(raw, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// sendHello pushes a status envelope so clients can mark the connection live
// before any engine event arrives.
func (c *client) sendHello() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	msg, err := json.Marshal(envelope{
		Type: "hello",
		Payload: map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": uptime,
			"channels":       defaultChannels,
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// writePump drains the send buffer and keeps the connection alive with
// periodic pings.
func (c *client) writePump() {
	pings := time.NewTicker(pingPeriod)
	defer func() {
		pings.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, open := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-pings.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
