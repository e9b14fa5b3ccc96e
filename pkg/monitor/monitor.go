// Package monitor streams call events to dashboard websockets using a channel-based
// fan-out hub. Slow dashboards are dropped rather than slowing anyone else down.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// ErrBacklog is returned when the broadcast queue is full.
var ErrBacklog = errors.New("monitor: broadcast queue full")

const (
	broadcastBuffer = 256
	clientBuffer    = 64
)

// Frame is what a dashboard receives for every call event.
type Frame struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

// Monitor fans call events out to connected dashboards. It satisfies publisher.Publisher.
type Monitor struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

// New creates a monitor. Call Run to start it.
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:     logger.With("component", "monitor"),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled, then disconnects every dashboard.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case c := <-m.register:
			m.mu.Lock()
			m.clients[c] = struct{}{}
			n := len(m.clients)
			m.mu.Unlock()
			m.logger.Info("dashboard connected", "clients", n)

		case c := <-m.unregister:
			m.mu.Lock()
			m.drop(c)
			n := len(m.clients)
			m.mu.Unlock()
			m.logger.Info("dashboard disconnected", "clients", n)

		case data := <-m.broadcast:
			m.mu.Lock()
			for c := range m.clients {
				select {
				case c.send <- data:
				default:
					m.drop(c)
					m.logger.Warn("dropped slow dashboard")
				}
			}
			m.mu.Unlock()

		case <-ctx.Done():
			m.mu.Lock()
			for c := range m.clients {
				m.drop(c)
			}
			m.mu.Unlock()
			return
		}
	}
}

// drop removes c and closes its queue. Callers hold mu.
func (m *Monitor) drop(c *client) {
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.send)
	}
}

// Publish queues one event for every dashboard. It never blocks.
func (m *Monitor) Publish(_ context.Context, topic string, payload []byte) error {
	frame := Frame{Topic: topic, Event: payload}
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		frame.Event = quoted
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case m.broadcast <- data:
		return nil
	default:
		return ErrBacklog
	}
}

// Close is a no-op; the monitor stops with the context passed to Run.
func (m *Monitor) Close() error { return nil }

// Clients returns the number of connected dashboards.
func (m *Monitor) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
