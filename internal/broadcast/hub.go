package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
)

type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub is an in-process SSE fanout with per-user rooms. Slow clients drop
// events rather than backpressuring the engine.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[chan []byte]bool // userID -> client channels
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[chan []byte]bool)}
}

// Emit sends the event to every client of the user's room.
func (h *Hub) Emit(userID, event string, data interface{}) {
	raw, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		logger.Error("broadcast encode failed", "event", event, "error", err.Error())
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.rooms[userID] {
		select {
		case ch <- raw:
		default:
			// slow client, drop
		}
	}
}

// Clients reports how many clients the user's room currently holds.
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// ServeHTTP streams the user's events as SSE until the client disconnects.
// The user is taken from the X-User-ID header, falling back to ?user=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan []byte, 64)
	h.mu.Lock()
	if h.rooms[userID] == nil {
		h.rooms[userID] = make(map[chan []byte]bool)
	}
	h.rooms[userID][ch] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.rooms[userID], ch)
		if len(h.rooms[userID]) == 0 {
			delete(h.rooms, userID)
		}
		h.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			w.Write([]byte("data: "))
			w.Write(msg)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
