// Package publisher emits call lifecycle events to a message broker.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Event names a call lifecycle event.
type Event string

const (
	EventStarted Event = "started"
	EventEnded   Event = "ended"
	EventStatus  Event = "status"
)

// Topic returns "{prefix}/calls/{callSID}/{event}". Calls without a SID publish under "unknown".
func Topic(prefix, callSID string, ev Event) string {
	if callSID == "" {
		callSID = "unknown"
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("calls/%s/%s", callSID, ev)
	}
	return fmt.Sprintf("%s/calls/%s/%s", prefix, callSID, ev)
}

// Envelope wraps every event payload.
type Envelope struct {
	Event     Event     `json:"event"`
	CallID    string    `json:"call_sid"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Events publishes call events on top of a Publisher. Failures are logged and dropped.
type Events struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewEvents wraps pub. A nil pub publishes nothing.
func NewEvents(pub Publisher, prefix string, logger *slog.Logger) *Events {
	if pub == nil {
		pub = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{pub: pub, prefix: prefix, logger: logger.With("component", "publisher")}
}

// Emit publishes one event for callSID.
func (e *Events) Emit(ctx context.Context, callSID string, ev Event, data any) {
	payload, err := json.Marshal(Envelope{
		Event:     ev,
		CallID:    callSID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		e.logger.Warn("encode event", "event", ev, "error", err)
		return
	}
	topic := Topic(e.prefix, callSID, ev)
	if err := e.pub.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("publish event", "topic", topic, "error", err)
		return
	}
	e.logger.Debug("event published", "topic", topic)
}

// Close closes the underlying publisher.
func (e *Events) Close() error { return e.pub.Close() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close() error                                  { return nil }

// Multi publishes to every member and reports all failures together.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
