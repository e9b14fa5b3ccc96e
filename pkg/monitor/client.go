package monitor

import (
	"time"
)

// Websocket opcodes from RFC 6455.
const (
	textMessage  = 1
	closeMessage = 8
	pingMessage  = 9
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Conn is the subset of a websocket connection a dashboard needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type client struct {
	conn Conn
	send chan []byte
	quit chan struct{}
}

// Serve attaches conn as a dashboard and blocks until it disconnects or the monitor stops.
func (m *Monitor) Serve(conn Conn) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer), quit: make(chan struct{})}
	select {
	case m.register <- c:
	case <-m.done:
		_ = conn.Close()
		return
	}

	// conn is released when Serve returns, so the writer must be gone by then.
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump()
	}()
	c.readPump()
	close(c.quit)
	<-written

	select {
	case m.unregister <- c:
	case <-m.done:
	}
}

// readPump only exists to notice disconnects and answer pongs; dashboards send nothing.
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn. It returns when the queue is closed, a write
// fails or the reader has stopped.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			return

		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(closeMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(textMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(pingMessage, nil); err != nil {
				return
			}
		}
	}
}
