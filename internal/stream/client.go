package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stotra/trade-engine/internal/metrics"
	"github.com/stotra/trade-engine/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 64
)

// ClientMessage is a client-to-server frame.
type ClientMessage struct {
	Type   string `json:"type"` // subscribe | unsubscribe
	Symbol string `json:"symbol"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// client is one WebSocket connection. It may subscribe to many symbols.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message
	done chan struct{}

	mu      sync.Mutex
	symbols map[string]struct{}
}

// Send queues msg unless the client has gone away, its buffer is full, or
// it no longer follows msg's symbol.
func (c *client) Send(msg Message) bool {
	c.mu.Lock()
	_, following := c.symbols[msg.Symbol]
	c.mu.Unlock()
	if !following {
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) follow(symbol string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.symbols[symbol] = struct{}{}
	} else {
		delete(c.symbols, symbol)
	}
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws/market.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan Message, sendBuffer),
		done:    make(chan struct{}),
		symbols: make(map[string]struct{}),
	}
	metrics.WebSocketClients.WithLabelValues("market").Inc()

	go c.writePump()
	go c.readPump()
}

// readPump handles subscribe/unsubscribe frames until the connection
// drops, then detaches the client from every symbol.
func (c *client) readPump() {
	defer func() {
		c.hub.Drop(c)
		close(c.done)
		c.conn.Close()
		metrics.WebSocketClients.WithLabelValues("market").Dec()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("market ws read failed", "err", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(Message{Type: TypeError, Error: "malformed message"})
			continue
		}
		symbol := model.NormalizeSymbol(msg.Symbol)

		switch msg.Type {
		case "subscribe":
			c.follow(symbol, true)
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.hub.Subscribe(ctx, c, symbol)
			cancel()
			if err != nil {
				c.follow(symbol, false)
				c.reply(Message{Type: TypeError, Symbol: symbol, Error: err.Error()})
			}
		case "unsubscribe":
			c.follow(symbol, false)
			c.hub.Unsubscribe(c, symbol)
		default:
			c.reply(Message{Type: TypeError, Symbol: symbol, Error: "unknown message type " + msg.Type})
		}
	}
}

// reply queues a message regardless of the symbols followed.
func (c *client) reply(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
