package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stotra/trade-engine/internal/metrics"
	"github.com/stotra/trade-engine/internal/respond"
)

const (
	notifyWriteWait  = 10 * time.Second
	notifyPongWait   = 60 * time.Second
	notifyPingPeriod = 30 * time.Second
	notifyBuffer     = 32
)

// Notification is pushed to an account's listeners after an order fills.
type Notification struct {
	Type      string       `json:"type"`
	AccountID string       `json:"account_id"`
	Order     *OrderResult `json:"order,omitempty"`
}

type notifyClient struct {
	conn      *websocket.Conn
	accountID string
	send      chan []byte
}

type envelope struct {
	accountID string
	data      []byte
}

// NotifyHub delivers order notifications to the WebSocket connections
// registered for the account that placed the order. Delivery never blocks
// order execution; a slow listener loses messages instead.
type NotifyHub struct {
	clients    map[string]map[*notifyClient]struct{}
	broadcast  chan envelope
	register   chan *notifyClient
	unregister chan *notifyClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewNotifyHub creates a hub. Start it with Run.
func NewNotifyHub() *NotifyHub {
	return &NotifyHub{
		clients:    make(map[string]map[*notifyClient]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *notifyClient),
		unregister: make(chan *notifyClient),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// connection.
func (h *NotifyHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for acct, set := range h.clients {
				for c := range set {
					close(c.send)
				}
				delete(h.clients, acct)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.WithLabelValues("account").Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.accountID]
			if !ok {
				set = make(map[*notifyClient]struct{})
				h.clients[c.accountID] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()
			metrics.WebSocketClients.WithLabelValues("account").Inc()
			slog.Info("account listener connected", "account", c.accountID)

		case c := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[c.accountID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
					metrics.WebSocketClients.WithLabelValues("account").Dec()
				}
				if len(set) == 0 {
					delete(h.clients, c.accountID)
				}
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients[env.accountID] {
				select {
				case c.send <- env.data:
				default:
					slog.Debug("account listener slow, dropping notification", "account", env.accountID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Notify queues n for the listeners of accountID.
func (h *NotifyHub) Notify(accountID string, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{accountID: accountID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

// Listeners reports how many connections are registered for accountID.
func (h *NotifyHub) Listeners(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[accountID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at
// GET /api/v1/ws/account?account_id=
func (h *NotifyHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		respond.BadRequest(w, "account_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &notifyClient{conn: conn, accountID: accountID, send: make(chan []byte, notifyBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(notifyPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(notifyPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// writePump is the only writer on the connection. It exits when the hub
// closes the send channel.
func (c *notifyClient) writePump() {
	ticker := time.NewTicker(notifyPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(notifyWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(notifyWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
