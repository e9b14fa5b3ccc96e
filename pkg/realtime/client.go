// Package realtime is a client for the OpenAI Realtime speech-to-speech API, tuned for
// telephony: G.711 µ-law audio both ways, server VAD and directive injection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"

	// AudioFormat is the narrow-band telephony codec used in both directions.
	AudioFormat = "g711_ulaw"

	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 2 * time.Minute
	defaultWriteTimeout     = 5 * time.Second
)

// SessionConfig is sent once per call in a session.update.
type SessionConfig struct {
	Instructions       string
	Voice              string
	TranscriptionModel string
	VADThreshold       float64
	PrefixPadding      time.Duration
	Silence            time.Duration // already includes trailing padding
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionFields `json:"session"`
}

type sessionFields struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *transcriptionSpec `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection      `json:"turn_detection"`
}

type transcriptionSpec struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
}

type itemCreate struct {
	Type string      `json:"type"`
	Item messageItem `json:"item"`
}

type messageItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type typeOnly struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// Client manages one realtime socket. Writes are serialized; reads happen on the goroutine
// calling Run.
type Client struct {
	apiKey           string
	baseURL          string
	model            string
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	logger           *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the realtime endpoint.
func WithURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithModel overrides the model.
func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReadTimeout bounds how long the socket may go without a frame or a pong. Pings go
// out at a quarter of it, so a quiet call stays open while the service answers them.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// NewClient creates a client. It does not connect.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		apiKey:           apiKey,
		baseURL:          DefaultURL,
		model:            DefaultModel,
		handshakeTimeout: defaultHandshakeTimeout,
		readTimeout:      defaultReadTimeout,
		writeTimeout:     defaultWriteTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "realtime")
	return c, nil
}

// Dial opens the socket.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}

	c.logger.Info("connecting to realtime API", "model", c.model)

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		cerr := &ConnectionError{Reason: "dial failed", Cause: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
			cerr.Reason = fmt.Sprintf("dial failed with status %d", resp.StatusCode)
		}
		return cerr
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected to realtime API")
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: invalid url %q: %w", c.baseURL, err)
	}
	q := u.Query()
	if c.model != "" {
		q.Set("model", c.model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run reads server events until the socket ends, passing recognized events to onEvent.
// onClose receives nil after a local Close, an error wrapping ErrClosedByPeer when the
// service closed the socket, or a *ConnectionError on transport failure.
func (c *Client) Run(onEvent func(Event), onClose func(error)) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		onClose(ErrNotConnected)
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(conn, stop)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.closed.Load():
				onClose(nil)
			case isCloseFrame(err):
				c.logger.Info("connection closed by peer", "error", err)
				onClose(fmt.Errorf("%w: %v", ErrClosedByPeer, err))
			default:
				c.logger.Warn("read error", "error", err)
				onClose(&ConnectionError{Reason: "read failed", Cause: err})
			}
			return
		}

		c.messagesReceived.Add(1)

		evt, err := DecodeEvent(data)
		if err != nil {
			c.logger.Debug("dropped malformed event", "error", err)
			continue
		}
		if evt.Kind == KindIgnored {
			continue
		}
		onEvent(evt)
	}
}

// keepAlive pings until stop closes or a ping cannot be written.
func (c *Client) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.readTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func isCloseFrame(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// ConfigureSession sends the session.update for a telephony call.
func (c *Client) ConfigureSession(cfg SessionConfig) error {
	fields := sessionFields{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  AudioFormat,
		OutputAudioFormat: AudioFormat,
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMs:   cfg.PrefixPadding.Milliseconds(),
			SilenceDurationMs: cfg.Silence.Milliseconds(),
		},
	}
	if cfg.TranscriptionModel != "" {
		fields.InputAudioTranscription = &transcriptionSpec{Model: cfg.TranscriptionModel}
	}
	return c.send(sessionUpdate{Type: "session.update", Session: fields})
}

// SendDirective injects text as a user message and requests a response.
func (c *Client) SendDirective(text string) error {
	item := itemCreate{
		Type: "conversation.item.create",
		Item: messageItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
	if err := c.send(item); err != nil {
		return err
	}
	return c.send(typeOnly{Type: "response.create"})
}

// AppendAudio forwards one base64 caller frame verbatim.
func (c *Client) AppendAudio(payload string) error {
	return c.send(audioAppend{Type: "input_audio_buffer.append", Audio: payload})
}

// CancelResponse interrupts the current response.
func (c *Client) CancelResponse() error {
	return c.send(typeOnly{Type: "response.cancel"})
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.conn.Close()
	c.logger.Debug("closed", "sent", c.messagesSent.Load(), "received", c.messagesReceived.Load())
	return err
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed.Load()
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed.Load() {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Reason: "write failed", Cause: err}
	}
	c.messagesSent.Add(1)
	return nil
}
