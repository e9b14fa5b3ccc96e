package publisher

import (
	"context"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Mock records publishes for tests.
type Mock struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error
}

// NewMock creates a Mock.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of everything published.
func (m *Mock) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Topics returns the published topics in order.
func (m *Mock) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.Topic
	}
	return out
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError makes later publishes fail with err.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
