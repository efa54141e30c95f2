package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/history"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/api"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; callers apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients for every new run.
type Message struct {
	Event string       `json:"event"`
	Data  api.RunEvent `json:"data"`
}

// Hub manages WebSocket client connections and broadcasts an event to all
// connected clients whenever a new run lands in the history.
type Hub struct {
	store    history.Store
	interval time.Duration
	onRun    func(api.RunEvent)

	mu      sync.RWMutex
	clients map[*client]struct{}
	lastID  string
	last    []byte // encoded Message for lastID
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub that polls st every interval. onRun, if non-nil, is
// called from the poll loop for each new run.
func New(st history.Store, interval time.Duration, onRun func(api.RunEvent)) *Hub {
	return &Hub{
		store:    st,
		interval: interval,
		onRun:    onRun,
		clients:  make(map[*client]struct{}),
	}
}

// Run polls the history immediately and then every interval. It blocks until
// ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	h.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.poll(ctx)
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// It sends the latest run event immediately on connect, then continues to
// receive broadcasts from the poll loop. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)
	h.replay(c)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

// poll checks for a run newer than the last one broadcast.
func (h *Hub) poll(ctx context.Context) {
	runs, err := h.store.Runs(ctx, 1)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("ws: history poll failed", "err", err)
		}
		return
	}
	if len(runs) == 0 {
		return
	}
	h.mu.RLock()
	seen := runs[0].ID == h.lastID
	h.mu.RUnlock()
	if seen {
		return
	}

	// Alerts compare like with like: a primary run is diffed against the
	// previous primary run, not against a secondary one.
	trend, err := history.ModeTrend(ctx, h.store, runs[0])
	if err != nil {
		slog.Warn("ws: trend failed", "run", runs[0].ID, "err", err)
		return
	}
	ev := api.RunEvent{Run: runs[0], Trend: trend}
	data, err := json.Marshal(Message{Event: "run", Data: ev})
	if err != nil {
		return
	}

	h.mu.Lock()
	h.lastID = ev.Run.ID
	h.last = data
	h.mu.Unlock()

	slog.Info("ws: new run", "run", ev.Run.ID, "taken_at", ev.Run.TakenAt, "clients", h.Count())
	h.broadcast(data)
	if h.onRun != nil {
		h.onRun(ev)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// replay queues the cached event for a newly registered client. The send
// happens under the lock so it cannot race a concurrent close of c.send.
func (h *Hub) replay(c *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok || h.last == nil {
		return
	}
	select {
	case c.send <- h.last:
	default:
	}
}

// broadcast sends data to every client while holding the read lock; send
// channels are only closed under the write lock. Clients whose buffer is
// full are disconnected afterwards.
func (h *Hub) broadcast(data []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
