package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub fans events out to connected UIs.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
	closed  bool
	ttl     time.Duration
	logger  *slog.Logger
}

// NewHub creates a Hub. ttl is applied to notifications published without one;
// zero means DefaultTTL.
func NewHub(ttl time.Duration, logger *slog.Logger) *Hub {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Hub{
		clients: make(map[chan Event]struct{}),
		ttl:     ttl,
		logger:  logger,
	}
}

// Subscribe returns a channel that receives every published event.
// After Close the channel is returned already closed.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.clients[ch] = struct{}{}
	return ch
}

// Close ends every stream by closing the subscriber channels. Publish keeps
// working but reaches nobody.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Subscribers reports how many clients are attached.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish delivers ev to every subscriber. A subscriber whose buffer is full
// misses the event rather than stalling the publisher.
func (h *Hub) Publish(ev Event) {
	if (ev.Type == TypeNotification || ev.Type == TypeInbox) && ev.TTL == 0 {
		ev.TTL = h.ttl.Milliseconds()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropping event for slow subscriber", "type", ev.Type)
		}
	}
}

// SSEHandler streams events as Server-Sent Events.
func (h *Hub) SSEHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := h.Subscribe()
		defer h.Unsubscribe(ch)

		fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n")
		flusher.Flush()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// WebSocketHandler streams events as JSON text frames. Anything the client
// sends is read and discarded; a read error ends the stream.
func (h *Hub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
			return
		}
		defer conn.Close()

		ch := h.Subscribe()
		defer h.Unsubscribe(ch)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := conn.WriteJSON(map[string]string{"type": "connected"}); err != nil {
			return
		}
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					h.logger.Debug("websocket write failed", "error", err)
					return
				}
			case <-closed:
				return
			}
		}
	}
}
