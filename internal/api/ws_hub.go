// Package api — WebSocket hub for pushing account activity to clients.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients whenever an
// account's balance or holdings change.
type WSMessage struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Action   string `json:"action"`
	Symbol   string `json:"stock_symbol,omitempty"`
	Funds    string `json:"funds,omitempty"`
	Shares   int64  `json:"shares,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans account activity out to all connected WebSocket clients.
// The client map is owned by the Run loop; all mutation goes through
// the register/unregister channels, so no lock is needed.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run owns the client set. Must be called in a goroutine before any
// connections are accepted; returns when ctx is cancelled, closing
// every remaining client.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
				metrics.WebSocketClients.Dec()
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WebSocketClients.Dec()
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; drop it rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
					metrics.WebSocketClients.Dec()
				}
			}
		}
	}
}

// Notify implements engine.Notifier: one message per account change.
func (h *WSHub) Notify(username, action, symbol string, funds decimal.Decimal, shares int64) {
	h.Broadcast(WSMessage{
		Type:     "account_update",
		Username: username,
		Action:   action,
		Symbol:   symbol,
		Funds:    funds.String(),
		Shares:   shares,
	})
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking command execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

// readPump discards inbound frames; its job is pong handling and
// disconnect detection.
func (c *wsClient) readPump(h *WSHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send channel and pings on an interval so
// proxies keep the connection open.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
