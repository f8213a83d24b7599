// Package livefeed is the optional websocket broadcaster: every published
// container.Record is fanned out, as a small JSON event, to every
// currently-connected client in real time.
package livefeed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/systest/systest/container"
	"github.com/systest/systest/obslog"
)

// Event is the JSON payload broadcast for one published test result.
type Event struct {
	Ordinal int    `json:"ordinal"`
	TestID  string `json:"testId"`
	Cycle   int    `json:"cycle"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// Client is one connected websocket viewer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *obslog.Logger
}

func newClient(id string, conn *websocket.Conn, hub *Hub, log *obslog.Logger) *Client {
	return &Client{id: id, conn: conn, send: make(chan []byte, 256), hub: hub, log: log}
}

// Hub is a run-wide broadcaster: it has no notion of per-test
// subscription because every viewer watches the whole run.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu  sync.RWMutex
	log *obslog.Logger
}

// NewHub returns a Hub; call Run in its own goroutine before any client
// connects.
func NewHub(log *obslog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		log:        log,
	}
}

// Run is the hub's single processing loop; it owns h.clients and must be
// the only goroutine mutating it directly (register/unregister/broadcast
// all go through channels precisely so that holds).
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow consumer: drop it rather than block the run.
					go h.drop(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.unregister <- c
}

// ClientCount reports how many viewers are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements runner.Sink: every published test result becomes one
// broadcast Event.
func (h *Hub) Publish(rec *container.Record) {
	event := Event{
		Ordinal: rec.Ordinal,
		TestID:  rec.Descriptor.ID(),
		Cycle:   rec.Cycle,
		Outcome: rec.FinalOutcome.String(),
		Reason:  rec.FinalReason,
	}
	data, err := json.Marshal(event)
	if err != nil {
		if h.log != nil {
			h.log.Warn("livefeed: failed to marshal event", zap.Error(err))
		}
		return
	}
	select {
	case h.broadcast <- data:
	default:
		if h.log != nil {
			h.log.Warn("livefeed: broadcast channel full, dropping event", zap.Int("ordinal", rec.Ordinal))
		}
	}
}
