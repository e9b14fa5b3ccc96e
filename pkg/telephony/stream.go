package telephony

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// textMessage is the RFC 6455 text frame opcode, shared by every websocket library in use.
const textMessage = 1

// writeWait bounds a single outbound frame write.
const writeWait = 5 * time.Second

// ErrStreamClosed is returned when writing to a stream that was closed locally.
var ErrStreamClosed = errors.New("telephony: stream closed")

// Conn is the subset of a websocket connection the stream needs.
// Both gorilla/websocket and gofiber/contrib/websocket connections satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Stream adapts one media-stream websocket. Reads happen on the goroutine calling Run;
// writes are serialized and may come from any goroutine.
type Stream struct {
	conn   Conn
	logger *slog.Logger

	wmu    sync.Mutex
	closed atomic.Bool

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	dropped   atomic.Uint64
}

// NewStream wraps conn.
func NewStream(conn Conn, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		conn:   conn,
		logger: logger.With("component", "telephony.stream"),
	}
}

// Run reads envelopes until the socket fails or is closed, handing each decoded event to
// onEvent. Malformed and ignored envelopes are dropped. onClose is called exactly once with
// the read error (nil when the stream was closed locally).
func (s *Stream) Run(onEvent func(Event), onClose func(error)) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				onClose(nil)
				return
			}
			s.logger.Debug("read ended", "error", err)
			onClose(err)
			return
		}

		evt, err := Decode(data)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				s.dropped.Add(1)
				s.logger.Debug("dropped malformed envelope", "error", err)
			}
			continue
		}
		if evt.Type() == TypeMedia {
			s.framesIn.Add(1)
		}
		onEvent(evt)
	}
}

// SendMedia writes one outbound audio frame.
func (s *Stream) SendMedia(streamSID, payload string) error {
	data, err := MediaMessage(streamSID, payload)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	s.framesOut.Add(1)
	return nil
}

// Clear drops audio buffered at the far end.
func (s *Stream) Clear(streamSID string) error {
	data, err := ClearMessage(streamSID)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Close closes the socket. Safe to call more than once.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Close()
}

// Stats returns frame counters.
func (s *Stream) Stats() (in, out, dropped uint64) {
	return s.framesIn.Load(), s.framesOut.Load(), s.dropped.Load()
}

func (s *Stream) write(data []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(textMessage, data)
}
