// Package fanout delivers job lifecycle events to connected editor sessions
// over WebSocket, grouped into per-profile rooms.
package fanout

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event types emitted to rooms
const (
	EventProfileDirty    = "profile:dirty"
	EventMetadataStarted = "metadata:started"
	EventMetadataUpdated = "metadata:updated"
	EventMetadataFailed  = "metadata:failed"
	EventPublishStarted  = "publish:started"
	EventPublishDone     = "publish:done"
	EventPublishFailed   = "publish:failed"
)

// Envelope wraps every event sent to a client
type Envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// subscription is a client's join/leave request for a profile room
type subscription struct {
	Action    string `json:"action"`
	ProfileID string `json:"profile_id"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// client is one connected editor session
type client struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
	hub  *Hub

	mu    sync.Mutex
	rooms map[string]bool
}

func (c *client) inRoom(profileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[profileID]
}

func (c *client) setRoom(profileID string, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.rooms[profileID] = true
	} else {
		delete(c.rooms, profileID)
	}
}

// Hub tracks connected clients and routes events to profile rooms. Delivery
// is best effort: events sent while a client is disconnected or its buffer is
// full are dropped, clients reconcile by refetching state.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty fanout hub
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Emit sends an event to every client subscribed to the profile's room.
// Never blocks; a slow client loses the event rather than stalling the
// worker.
func (h *Hub) Emit(profileID, event string, data map[string]any) {
	envelope := Envelope{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.clients {
		if !c.inRoom(profileID) {
			continue
		}
		select {
		case c.send <- envelope:
			delivered++
		default:
			log.Warn().
				Str("client_id", c.id).
				Str("event", event).
				Msg("Dropping event for slow client")
		}
	}

	log.Debug().
		Str("profile_id", profileID).
		Str("event", event).
		Int("delivered", delivered).
		Msg("Fanned out event")
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket connection and runs the
// client's read and write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:    uuid.New().String(),
		conn:  conn,
		send:  make(chan Envelope, 64),
		hub:   h,
		rooms: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	log.Debug().Str("client_id", c.id).Msg("WebSocket client connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump consumes join/leave messages until the connection drops
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		log.Debug().Str("client_id", c.id).Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var sub subscription
		if err := c.conn.ReadJSON(&sub); err != nil {
			return
		}

		switch sub.Action {
		case "join":
			if sub.ProfileID != "" {
				c.setRoom(sub.ProfileID, true)
			}
		case "leave":
			c.setRoom(sub.ProfileID, false)
		}
	}
}

// writePump delivers queued events and keeps the connection alive with pings
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case envelope, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(envelope); err != nil {
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
