// Package events streams render job events to websocket clients.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// AllJobs is the subscription key of clients that receive every job's events.
	AllJobs = ""

	sendBuffer   = 64
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Client struct {
	JobID string
	conn  *websocket.Conn
	send  chan []byte
}

type broadcastMessage struct {
	jobID   string
	payload []byte
}

// Hub fans job events out to the clients subscribed to that job and to clients
// subscribed to all jobs.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage
	done       chan struct{}

	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMessage, 256),
		done:       make(chan struct{}),
		log:        zap.S().Named("events"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker allows any origin when none are configured or "*" is listed.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Run owns the client set until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, clients := range h.clients {
				for c := range clients {
					close(c.send)
				}
				delete(h.clients, key)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.JobID] == nil {
				h.clients[c.JobID] = make(map[*Client]struct{})
			}
			h.clients[c.JobID][c] = struct{}{}
			h.mu.Unlock()
			h.log.Debugw("Client registered", "job_id", c.JobID)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()
			h.log.Debugw("Client unregistered", "job_id", c.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			h.deliver(msg.jobID, msg.payload)
			if msg.jobID != AllJobs {
				h.deliver(AllJobs, msg.payload)
			}
			h.mu.Unlock()
		}
	}
}

// deliver drops clients whose buffer is full. Callers hold mu.
func (h *Hub) deliver(key string, payload []byte) {
	for c := range h.clients[key] {
		select {
		case c.send <- payload:
		default:
			h.log.Warnw("Dropping slow client", "job_id", c.JobID)
			h.remove(c)
		}
	}
}

// remove is a no-op for clients already removed. Callers hold mu.
func (h *Hub) remove(c *Client) {
	clients, ok := h.clients[c.JobID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.clients, c.JobID)
	}
}

// ClientCount is the number of clients subscribed under key.
func (h *Hub) ClientCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

// Broadcast queues msg for the job's subscribers. It never blocks; when the hub
// is backed up the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorw("Failed to marshal event", "type", msg.Type, "job_id", msg.JobID, "error", err)
		return
	}

	select {
	case h.broadcast <- broadcastMessage{jobID: msg.JobID, payload: payload}:
	default:
		h.log.Warnw("Event dropped, hub is backed up", "type", msg.Type, "job_id", msg.JobID)
	}
}

// ServeWS upgrades the request and streams events for jobID, or for every job
// when jobID is AllJobs. It returns when the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	c := &Client{JobID: jobID, conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump discards client frames; it exists to process pongs and notice closes.
func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.S().Named("events").Debugw("Websocket closed", "job_id", c.JobID, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
