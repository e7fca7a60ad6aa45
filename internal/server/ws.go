package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/poserig/internal/latest"
)

// DefaultFeedInterval is how often a Hub polls its slot (~15 FPS).
const DefaultFeedInterval = 66 * time.Millisecond

const writeWait = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Hub broadcasts the latest value of a slot to websocket clients as JSON.
// A value is sent once per change; a client connecting late receives the
// current value on the next tick. The hub only peeks, so it does not hide
// drops from the slot's consumers.
type Hub[T any] struct {
	slot     *latest.Slot[T]
	interval time.Duration
	clients  map[*websocket.Conn]uint64 // last seq sent
	mu       sync.RWMutex
	stop     chan struct{}
	once     sync.Once
}

// NewHub creates a Hub and starts its broadcast loop.
func NewHub[T any](slot *latest.Slot[T], interval time.Duration) *Hub[T] {
	if interval <= 0 {
		interval = DefaultFeedInterval
	}
	h := &Hub[T]{
		slot:     slot,
		interval: interval,
		clients:  make(map[*websocket.Conn]uint64),
		stop:     make(chan struct{}),
	}
	go h.broadcast()
	return h
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *Hub[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = 0
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub[T]) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the broadcast loop. Connected clients stay open until they
// disconnect.
func (h *Hub[T]) Close() {
	h.once.Do(func() { close(h.stop) })
}

func (h *Hub[T]) broadcast() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		h.mu.RLock()
		idle := len(h.clients) == 0
		h.mu.RUnlock()
		if idle {
			continue
		}

		v, seq, ok := h.slot.Peek()
		if !ok {
			continue
		}

		msg, err := json.Marshal(v)
		if err != nil {
			log.Printf("websocket encode error: %v", err)
			continue
		}

		h.mu.Lock()
		for conn, sent := range h.clients {
			if sent == seq {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				continue
			}
			h.clients[conn] = seq
		}
		h.mu.Unlock()
	}
}
