// Package monitor serves training telemetry: Prometheus metrics on /metrics
// and orchestrator events streamed over a websocket on /events.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/brensch/sixzero/trainer"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 32
)

var (
	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sixzero_monitor_subscribers",
		Help: "Websocket clients subscribed to training events.",
	})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_monitor_dropped_clients_total",
		Help: "Websocket clients disconnected because they fell behind.",
	})
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans trainer events out to websocket subscribers. Slow subscribers are
// disconnected rather than allowed to stall the training loop.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Last returns the most recent event, if any.
func (h *Hub) Last() (trainer.Event, bool) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last == nil {
		return trainer.Event{}, false
	}
	var e trainer.Event
	if err := json.Unmarshal(last, &e); err != nil {
		return trainer.Event{}, false
	}
	return e, true
}

// Publish sends e to every subscriber.
func (h *Hub) Publish(e trainer.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.log.Warn().Err(err).Msg("encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.removeLocked(c)
			dropped.Inc()
			h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow event subscriber")
		}
	}
}

// Run publishes events until ctx is done or events is closed, then
// disconnects every subscriber.
func (h *Hub) Run(ctx context.Context, events <-chan trainer.Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.Publish(e)
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	subscribers.Set(float64(len(h.clients)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	subscribers.Set(float64(len(h.clients)))
	h.mu.Unlock()
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("event subscriber connected")

	go h.writeLoop(c)

	// Inbound messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
