package server

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/teslashibe/go-callbridge/internal/httpc"
	"github.com/teslashibe/go-callbridge/internal/metrics"
	"github.com/teslashibe/go-callbridge/internal/publisher"
	"github.com/teslashibe/go-callbridge/pkg/call"
	"github.com/teslashibe/go-callbridge/pkg/telephony"
)

// handleMedia runs one call for the lifetime of a media-stream websocket.
func (s *Server) handleMedia(c *websocket.Conn) {
	s.runCall(c, c.RemoteAddr().String())
}

// runCall bridges one telephony socket to a fresh realtime connection. It returns only
// after every goroutine using conn has stopped.
func (s *Server) runCall(conn telephony.Conn, remote string) {
	logger := s.logger.With("remote", remote)
	stream := telephony.NewStream(conn, logger)

	ai, err := s.deps.NewAI()
	if err != nil {
		logger.Error("realtime client unavailable", "error", err)
		_ = stream.Close()
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()
	s.active.Add(1)
	metrics.ActiveSessions.Inc()
	defer func() {
		s.active.Add(-1)
		metrics.ActiveSessions.Dec()
	}()

	sess := call.NewSession(call.Config{
		Policy:             s.cfg.Policy,
		Prompt:             s.cfg.Prompt,
		Voice:              s.cfg.OpenAI.Voice,
		TranscriptionModel: s.cfg.OpenAI.TranscriptionModel,
	}, call.Deps{
		AI:        ai,
		Telephony: stream,
		Finalizer: s.deps.Finalizer,
		Clock:     s.deps.Clock,
		Logger:    logger,
		OnStart:   s.callStarted,
	})

	dialCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go func() {
		if err := ai.Dial(dialCtx); err != nil {
			sess.AIClosed(err)
			return
		}
		sess.AIOpened()
		ai.Run(sess.HandleAI, sess.AIClosed)
	}()

	sessDone := make(chan struct{})
	go func() {
		defer close(sessDone)
		sess.Run(s.ctx)
		_ = stream.Close()
	}()

	// The conn is released once the handler returns: reads happen here and the session
	// goroutine, the only writer, is waited for.
	stream.Run(sess.HandleTelephony, sess.TelephonyClosed)
	<-sessDone

	in, out, dropped := stream.Stats()
	logger.Info("media stream finished", "frames_in", in, "frames_out", out, "dropped", dropped)
}

// startedEvent is published once a stream identifies its call.
type startedEvent struct {
	OutboundID string    `json:"outbound_id,omitempty"`
	StreamID   string    `json:"stream_sid"`
	To         string    `json:"to,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// callStarted runs on the session goroutine, so publishing happens elsewhere.
func (s *Server) callStarted(rec call.Record) {
	if s.deps.Events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpc.BestEffortTimeout)
		defer cancel()
		s.deps.Events.Emit(ctx, rec.CallID, publisher.EventStarted, startedEvent{
			OutboundID: rec.OutboundID,
			StreamID:   rec.StreamID,
			To:         rec.To,
			StartedAt:  rec.StartedAt,
		})
	}()
}
