package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is one admin feed message: a fragment arrived, a merge finished
// or failed, a recording was deleted.
type Event struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	FragmentID  string `json:"fragment_id,omitempty"`
	RecordingID uint64 `json:"recording_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Hub broadcasts pipeline events to every connected admin client. A
// client whose write fails is dropped; the feed is advisory, the admin
// panel re-syncs over the REST endpoints anyway.
type Hub struct {
	mu        sync.Mutex
	conns     map[*websocket.Conn]bool
	writeWait time.Duration
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[*websocket.Conn]bool),
		writeWait: defaultWriteWait,
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		// The deadline bounds how long a non-reading client can hold
		// the lock; ingestion handlers publish through here and must
		// never wait on a stalled admin socket.
		conn.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err := conn.WriteJSON(evt); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// send serializes per-connection writes with Publish; gorilla
// connections do not allow concurrent writers.
func (h *Hub) send(conn *websocket.Conn, evt Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	return conn.WriteJSON(evt)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[conn] {
		delete(h.conns, conn)
		conn.Close()
	}
}

func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.hub.add(conn)
	defer h.hub.remove(conn)

	log.Printf("Event Hub: admin client connected from %s", r.RemoteAddr)

	for {
		var msg Event
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case "ping":
			if err := h.hub.send(conn, Event{Type: "pong"}); err != nil {
				return
			}
		default:
			if err := h.hub.send(conn, Event{Type: "error", Error: "unknown message type"}); err != nil {
				return
			}
		}
	}
}
