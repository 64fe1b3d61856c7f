// Package events fans session events out to WebSocket clients.
package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mil-ad/r2d2ctl/internal/robot"
)

const writeTimeout = 100 * time.Millisecond

// Event is the JSON message sent to clients.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// StatePayload is the payload of "session/state" events.
type StatePayload struct {
	From    robot.State `json:"from"`
	To      robot.State `json:"to"`
	Name    string      `json:"name,omitempty"`
	Address string      `json:"address,omitempty"`
}

// Hub tracks connected clients and broadcasts events to all of them.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*client
}

// client serializes writes; a websocket.Conn allows one writer at a time.
type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     logger.With("component", "events"),
		clients: make(map[*websocket.Conn]*client),
	}
}

// ServeHTTP upgrades the request and registers the client until it goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "error", err)
		return
	}
	h.add(conn)

	// Drain reads so control frames are handled and close is noticed.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &client{conn: conn}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Broadcast sends event to every client. Clients that cannot take the write
// within a short deadline are dropped.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.writeJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, conn := range failed {
		h.log.Debug("dropping slow client", "remote", conn.RemoteAddr())
		h.remove(conn)
	}
}

// StateObserver returns a function suitable for robot.ManagerConfig's
// OnStateChange that broadcasts every transition.
func (h *Hub) StateObserver() func(robot.StateChange) {
	return func(c robot.StateChange) {
		h.Broadcast(Event{
			Type: "session/state",
			Payload: StatePayload{
				From:    c.From,
				To:      c.To,
				Name:    c.Device.Name,
				Address: c.Device.Address,
			},
		})
	}
}
