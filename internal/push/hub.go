// Package push fans job events out to websocket subscribers. Clients subscribe
// to named channels such as "price:<coin>" or "alert:<user>".
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1024
	sendBuffer = 64
)

var (
	// ErrHubFull is returned when the broadcast buffer is full.
	ErrHubFull = errors.New("push: broadcast buffer full")
	// ErrHubClosed is returned after the hub stopped.
	ErrHubClosed = errors.New("push: hub closed")
)

// Message is the envelope written to subscribers.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Time    time.Time       `json:"time"`
}

type command struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// Hub owns the set of connected clients. Run must be running for clients to
// be registered and for broadcasts to be delivered.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan Message
	done       chan struct{}
	log        coinqw.Logger
	maxClients int

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub. maxClients <= 0 means unlimited.
func NewHub(maxClients int, log coinqw.Logger) *Hub {
	if log == nil {
		log = coinqw.NopLogger{}
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 256),
		done:       make(chan struct{}),
		log:        log,
		maxClients: maxClients,
		clients:    make(map[*client]bool),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.maxClients > 0 && len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"),
					time.Now().Add(writeWait))
				_ = c.conn.Close()
				continue
			}
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugf("push: client connected, %d total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case m := <-h.broadcast:
			data, err := json.Marshal(m)
			if err != nil {
				h.log.Warnf("push: encode %s: %v", m.Channel, err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.subscribed(m.Channel) {
					continue
				}
				select {
				case c.send <- data:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues v for the subscribers of channel. It never blocks.
func (h *Hub) Broadcast(channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- Message{Channel: channel, Data: data, Time: time.Now().UTC()}:
		return nil
	default:
		return ErrHubFull
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the number of clients subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.subscribed(channel) {
			n++
		}
	}
	return n
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("push: upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), subs: make(map[string]bool)}
	for _, ch := range r.URL.Query()["channel"] {
		c.subs[ch] = true
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debugf("push: read: %v", err)
			}
			return
		}
		var cmd command
		if json.Unmarshal(raw, &cmd) != nil {
			continue
		}
		c.mu.Lock()
		switch cmd.Action {
		case "subscribe":
			for _, ch := range cmd.Channels {
				c.subs[ch] = true
			}
		case "unsubscribe":
			for _, ch := range cmd.Channels {
				delete(c.subs, ch)
			}
		}
		c.mu.Unlock()
	}
}
