package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/loanconsult/crm/internal/auth"
)

const (
	readDeadline = 90 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = int64(4 << 10)
	sendBuffer   = 32
)

// Visibility decides whether p may receive events of a LINE conversation.
type Visibility func(p *auth.Principal, lineUserID string) bool

// Event is the frame pushed to connected dashboards.
type Event struct {
	Event      string `json:"event"`
	LineUserID string `json:"line_user_id"`
	Data       any    `json:"data,omitempty"`
	At         int64  `json:"at"`
}

type client struct {
	principal *auth.Principal
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans chat events out to connected websocket clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	visible  Visibility
	upgrader websocket.Upgrader
}

func NewHub(visible Visibility) *Hub {
	if visible == nil {
		visible = func(*auth.Principal, string) bool { return true }
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		visible: visible,
		upgrader: websocket.Upgrader{
			// The dashboard is served from another origin; the JWT gates access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish sends an event to every client allowed to see lineUserID. Slow
// clients drop events rather than block the writer.
func (h *Hub) Publish(event string, lineUserID string, payload any) {
	frame, err := json.Marshal(Event{Event: event, LineUserID: lineUserID, Data: payload, At: time.Now().UnixMilli()})
	if err != nil {
		log.Error("Failed to encode hub event", "event", event, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !h.visible(c.principal, lineUserID) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			log.Warn("Dropping event for slow websocket client", "user_id", c.principal.UserID, "event", event)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an authenticated request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "user_id", p.UserID, "err", err)
		return
	}

	c := &client{principal: p, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug("WebSocket connected", "user_id", p.UserID, "clients", h.Len())

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readLoop only keeps the connection alive; clients do not send commands.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		log.Debug("WebSocket closed", "user_id", c.principal.UserID)
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		c.close()
	}
}
