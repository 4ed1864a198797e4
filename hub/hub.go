// Package hub pushes offline-layer notifications to connected clients over
// WebSocket: UPDATE_AVAILABLE after a cutover, SYNC_RESULT after each queue
// drain and CONNECTIVITY on every reachability change.
//
// Delivery is best-effort. A client whose send buffer is full is
// disconnected rather than allowed to slow the broadcaster.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/nous/idgen"
	"github.com/hazyhaar/nous/lifecycle"
)

// Message types.
const (
	TypeUpdateAvailable = "UPDATE_AVAILABLE"
	TypeSyncResult      = "SYNC_RESULT"
	TypeConnectivity    = "CONNECTIVITY"
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type      string      `json:"type"`
	Version   string      `json:"version,omitempty"`
	Previous  string      `json:"previous,omitempty"`
	Reachable *bool       `json:"reachable,omitempty"`
	Result    *SyncCounts `json:"result,omitempty"`
}

// SyncCounts summarises one drain.
type SyncCounts struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// UpdateAvailable announces a new active generation.
func UpdateAvailable(u lifecycle.Update) Message {
	return Message{Type: TypeUpdateAvailable, Version: u.Generation, Previous: u.Previous}
}

// SyncResult reports a drain outcome.
func SyncResult(synced, failed, pending int) Message {
	return Message{Type: TypeSyncResult, Result: &SyncCounts{Synced: synced, Failed: failed, Pending: pending}}
}

// Connectivity reports the remote's reachability.
func Connectivity(reachable bool) Message {
	return Message{Type: TypeConnectivity, Reachable: &reachable}
}

// Options configures a Hub.
type Options struct {
	Logger *slog.Logger
	// SendBuffer is the per-client queue length. Default: 16.
	SendBuffer   int
	WriteTimeout time.Duration // default 10s
	PingInterval time.Duration // default 30s
	// CheckOrigin is passed to the upgrader. Nil accepts same-origin only.
	CheckOrigin func(*http.Request) bool
	// Greeting returns the frames every new client receives first.
	Greeting func() []Message
	IDs      idgen.Generator
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("ws_", idgen.NanoID(10))
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients. It implements http.Handler and
// lifecycle.Notifier.
type Hub struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Hub.
func New(opts Options) *Hub {
	opts.defaults()
	return &Hub{
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and holds the connection until the client
// leaves or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.DebugContext(r.Context(), "hub: upgrade failed", "error", err)
		return
	}
	c := &client{id: h.opts.IDs(), conn: conn, send: make(chan []byte, h.opts.SendBuffer)}

	if h.opts.Greeting != nil {
		for _, m := range h.opts.Greeting() {
			if b, err := json.Marshal(m); err == nil {
				select {
				case c.send <- b:
				default:
				}
			}
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()
	h.log.DebugContext(r.Context(), "hub: client connected", "client", c.id, "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client frames; it exists to process control frames
// and notice disconnects.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()
	for {
		select {
		case b, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// remove unregisters c and closes its send queue. Safe to call twice.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
}

// Broadcast queues m for every client and returns how many accepted it.
// Clients with a full queue are disconnected.
func (h *Hub) Broadcast(m Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		h.log.Error("hub: marshal failed", "type", m.Type, "error", err)
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for id, c := range h.clients {
		select {
		case c.send <- b:
			sent++
		default:
			h.log.Warn("hub: slow client dropped", "client", id)
			delete(h.clients, id)
			close(c.send)
		}
	}
	return sent
}

// Notify broadcasts UPDATE_AVAILABLE.
func (h *Hub) Notify(ctx context.Context, u lifecycle.Update) {
	n := h.Broadcast(UpdateAvailable(u))
	h.log.InfoContext(ctx, "hub: update announced", "generation", u.Generation, "clients", n)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client, refuses new ones and waits for the
// connection handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
