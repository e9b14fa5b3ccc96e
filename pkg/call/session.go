// Package call coordinates one bridged call: it relays audio between the telephony stream
// and the realtime model, controls turn-taking, runs the call-lifetime timers and ends the
// call exactly once.
package call

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/go-callbridge/internal/config"
	"github.com/teslashibe/go-callbridge/internal/httpc"
	"github.com/teslashibe/go-callbridge/internal/metrics"
	"github.com/teslashibe/go-callbridge/pkg/realtime"
	"github.com/teslashibe/go-callbridge/pkg/script"
	"github.com/teslashibe/go-callbridge/pkg/telephony"
	"github.com/teslashibe/go-callbridge/pkg/turn"
)

// Phase is the session lifecycle position. Phases only move forward.
type Phase int

const (
	PhaseOpening Phase = iota
	PhaseStreaming
	PhaseClosing
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseOpening:
		return "opening"
	case PhaseStreaming:
		return "streaming"
	case PhaseClosing:
		return "closing"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// AIChannel is the model side of a call.
type AIChannel interface {
	ConfigureSession(cfg realtime.SessionConfig) error
	SendDirective(text string) error
	AppendAudio(payload string) error
	CancelResponse() error
	Close() error
}

// TelephonyChannel is the caller side of a call.
type TelephonyChannel interface {
	SendMedia(streamSID, payload string) error
	Clear(streamSID string) error
	Close() error
}

// Finalizer receives a call once it has ended. Hangup runs on the session goroutine before
// the sockets close; Finalize runs on its own goroutine.
type Finalizer interface {
	Hangup(ctx context.Context, callSID string)
	Finalize(ctx context.Context, rec Record)
}

// Config is the per-call policy and prompt material.
type Config struct {
	Policy             config.Policy
	Prompt             config.PromptConfig
	Voice              string
	TranscriptionModel string
}

// Deps are the collaborators of a session.
type Deps struct {
	AI        AIChannel
	Telephony TelephonyChannel
	Finalizer Finalizer
	Clock     Clock
	Logger    *slog.Logger

	// OnStart, when set, is called on the session goroutine once the stream starts.
	OnStart func(rec Record)
}

type eventKind int

const (
	evTelephony eventKind = iota
	evTelephonyClosed
	evAIOpened
	evAI
	evAIClosed
	evTimer
)

type event struct {
	kind  eventKind
	tel   telephony.Event
	ai    realtime.Event
	err   error
	timer timerKind
}

const eventBuffer = 256

// Session owns one call. All state is confined to the goroutine running Run; the Handle*
// methods only enqueue events and are safe to call from any goroutine.
type Session struct {
	cfg    Config
	deps   Deps
	clock  Clock
	logger *slog.Logger

	events chan event
	done   chan struct{}

	rec   Record
	phase Phase

	started bool
	aiOpen  bool
	aiReady bool

	turn          *turn.Controller
	accum         strings.Builder
	lastInboundAt time.Time

	idleWarned    bool
	idleClosing   bool
	hangupPending bool
	hangupReason  Reason
	graceArmed    bool
	ended         bool

	timers timerSet
}

// NewSession creates a session. Call Run to drive it.
func NewSession(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: logger.With("component", "call.session"),
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
		turn:   turn.NewController(cfg.Policy.NoBargeTail),
	}
}

// HandleTelephony enqueues a decoded stream event.
func (s *Session) HandleTelephony(evt telephony.Event) {
	s.post(event{kind: evTelephony, tel: evt})
}

// TelephonyClosed enqueues the end of the telephony socket.
func (s *Session) TelephonyClosed(err error) {
	s.post(event{kind: evTelephonyClosed, err: err})
}

// AIOpened enqueues the opening of the realtime socket.
func (s *Session) AIOpened() {
	s.post(event{kind: evAIOpened})
}

// HandleAI enqueues a realtime server event.
func (s *Session) HandleAI(evt realtime.Event) {
	s.post(event{kind: evAI, ai: evt})
}

// AIClosed enqueues the end of the realtime socket. A nil error or a peer close ends the
// call as ai_closed; anything else as ai_error.
func (s *Session) AIClosed(err error) {
	s.post(event{kind: evAIClosed, err: err})
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run processes events until the call ends. Cancelling ctx ends the call immediately.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-ctx.Done():
			s.beginClosing(ReasonShutdown)
			s.end()
		}
		if s.ended {
			return
		}
	}
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) dispatch(ev event) {
	if s.ended {
		return
	}
	switch ev.kind {
	case evTelephony:
		s.onTelephony(ev.tel)
	case evTelephonyClosed:
		s.logger.Info("telephony socket closed", "error", ev.err)
		s.beginClosing(ReasonTelephonyClosed)
	case evAIOpened:
		s.aiOpen = true
		s.maybeReady()
	case evAI:
		s.onAI(ev.ai)
	case evAIClosed:
		s.onAIClosed(ev.err)
	case evTimer:
		s.onTimer(ev.timer)
	}
}

func (s *Session) onTelephony(evt telephony.Event) {
	switch e := evt.(type) {
	case telephony.Start:
		s.onStart(e)
	case telephony.Media:
		s.onMedia(e)
	case telephony.Stop:
		s.logger.Info("stream stopped by peer")
		s.beginClosing(ReasonPeerStop)
	}
}

func (s *Session) onStart(e telephony.Start) {
	if s.started {
		s.logger.Debug("duplicate start ignored")
		return
	}
	now := s.clock.Now()
	s.started = true
	s.rec.StreamID = e.StreamSID
	s.rec.CallID = e.CallSID
	s.rec.OutboundID = e.OutboundID()
	s.rec.TargetName = e.TargetName()
	s.rec.To = e.To()
	s.rec.From = e.From()
	s.rec.StartedAt = now
	s.lastInboundAt = now

	s.logger = s.logger.With("stream_sid", s.rec.StreamID, "call_sid", s.rec.CallID, "outbound_id", s.rec.OutboundID)
	s.logger.Info("stream started", "named", s.rec.TargetName != "")

	s.scheduleLifecycle()

	if s.deps.OnStart != nil {
		s.deps.OnStart(s.rec)
	}
	s.maybeReady()
}

func (s *Session) onMedia(e telephony.Media) {
	if e.Payload == "" {
		return
	}
	now := s.clock.Now()
	s.lastInboundAt = now

	if !s.aiReady || !s.aiOpen {
		metrics.InboundFrames.WithLabelValues("dropped").Inc()
		return
	}
	if !s.turn.Allow(now, s.cfg.Policy.BargeIn) {
		metrics.InboundFrames.WithLabelValues("dropped").Inc()
		return
	}
	if err := s.deps.AI.AppendAudio(e.Payload); err != nil {
		s.logger.Debug("forward audio failed", "error", err)
		return
	}
	metrics.InboundFrames.WithLabelValues("forwarded").Inc()
}

// maybeReady configures the model once both the realtime socket is open and the stream
// identity is known, then sends the opening directive.
func (s *Session) maybeReady() {
	if s.aiReady || !s.aiOpen || !s.started || s.phase != PhaseOpening {
		return
	}

	params := s.scriptParams()
	p := s.cfg.Policy
	err := s.deps.AI.ConfigureSession(realtime.SessionConfig{
		Instructions:       script.Instructions(params),
		Voice:              s.cfg.Voice,
		TranscriptionModel: s.cfg.TranscriptionModel,
		VADThreshold:       p.VADThreshold,
		PrefixPadding:      p.VADPrefixPadding,
		Silence:            p.EffectiveSilence(),
	})
	if err != nil {
		s.logger.Warn("configure session failed", "error", err)
		return
	}

	s.aiReady = true
	s.phase = PhaseStreaming
	s.logger.Info("model session configured")

	s.sendPrompt(script.Opening(params), "opening")
}

// sendPrompt injects a directive unless the channel is not ready or a response is in
// flight. It reports whether the directive was sent.
func (s *Session) sendPrompt(text, kind string) bool {
	if !s.aiReady || !s.aiOpen || s.ended {
		metrics.Directives.WithLabelValues(kind, "not_ready").Inc()
		return false
	}
	if s.turn.Active() {
		s.logger.Debug("directive skipped, response active", "kind", kind)
		metrics.Directives.WithLabelValues(kind, "busy").Inc()
		return false
	}
	if err := s.deps.AI.SendDirective(text); err != nil {
		s.logger.Warn("directive failed", "kind", kind, "error", err)
		metrics.Directives.WithLabelValues(kind, "error").Inc()
		return false
	}
	s.turn.Requested()
	metrics.Directives.WithLabelValues(kind, "sent").Inc()
	s.logger.Debug("directive sent", "kind", kind)
	return true
}

func (s *Session) onAI(e realtime.Event) {
	now := s.clock.Now()

	switch e.Kind {
	case realtime.KindResponseStarted:
		s.accum.Reset()
		s.turn.Started(now)

	case realtime.KindTextDelta:
		s.accum.WriteString(e.Delta)

	case realtime.KindTextDone:
		text := s.accum.String()
		if text == "" {
			text = e.Text
		}
		s.appendTranscript(SpeakerBot, text)
		s.accum.Reset()

	case realtime.KindAudioDelta:
		if s.rec.StreamID == "" || e.Delta == "" {
			return
		}
		s.turn.Audio(now)
		if err := s.deps.Telephony.SendMedia(s.rec.StreamID, e.Delta); err != nil {
			s.logger.Debug("send media failed", "error", err)
		}

	case realtime.KindResponseDone:
		s.appendTranscript(SpeakerBot, s.accum.String())
		s.accum.Reset()
		s.turn.Completed()
		if s.hangupPending {
			s.logger.Info("closing line delivered")
			s.beginClosing(s.hangupReason)
		}

	case realtime.KindUserTranscript:
		s.appendTranscript(SpeakerUser, e.Text)

	case realtime.KindSpeechStarted:
		// The turn itself completes on the response.done that follows the cancel.
		if s.cfg.Policy.BargeIn && s.turn.Active() {
			if err := s.deps.AI.CancelResponse(); err != nil {
				s.logger.Debug("cancel failed", "error", err)
			}
			if s.rec.StreamID != "" {
				if err := s.deps.Telephony.Clear(s.rec.StreamID); err != nil {
					s.logger.Debug("clear failed", "error", err)
				}
			}
		}

	case realtime.KindError:
		s.logger.Warn("model reported error", "error", e.Err)
		s.turn.Reset()
	}
}

func (s *Session) onAIClosed(err error) {
	s.aiOpen = false
	reason := ReasonAIClosed
	if err != nil && !realtime.IsPeerClose(err) {
		reason = ReasonAIError
	}
	s.logger.Info("model socket closed", "reason", reason, "error", err)
	s.beginClosing(reason)
}

func (s *Session) appendTranscript(speaker Speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.rec.Transcript = append(s.rec.Transcript, Entry{Speaker: speaker, Text: text})
}

// requestHangup issues the closing directive and marks the call to end once the spoken
// close completes. The watchdog bounds the wait.
func (s *Session) requestHangup(reason Reason, kind string) {
	if s.hangupPending || s.phase >= PhaseClosing {
		return
	}
	s.hangupPending = true
	s.hangupReason = reason
	s.armWatchdog()
	s.logger.Info("hangup requested", "reason", reason)

	if !s.sendPrompt(script.Closing(s.scriptParams()), kind) && !s.turn.Active() {
		// Nothing is speaking and nothing will complete; end now.
		s.beginClosing(reason)
	}
}

// beginClosing moves to Closing and arms the grace timer. The first reason wins.
func (s *Session) beginClosing(reason Reason) {
	if s.phase >= PhaseClosing {
		return
	}
	s.phase = PhaseClosing
	s.rec.Reason = reason
	s.logger.Info("closing", "reason", reason, "grace", s.cfg.Policy.Grace())
	s.armGrace()
}

// end latches the session, cancels every timer, hangs up, hands the record off and closes
// both sockets. It runs at most once.
func (s *Session) end() {
	if s.ended {
		return
	}
	s.ended = true
	s.phase = PhaseEnded
	s.timers.stopAll()

	s.appendTranscript(SpeakerBot, s.accum.String())
	s.accum.Reset()

	rec := s.rec
	rec.EndedAt = s.clock.Now()
	rec.Transcript = append([]Entry(nil), s.rec.Transcript...)

	metrics.SessionsEnded.WithLabelValues(string(rec.Reason)).Inc()
	if d := rec.Duration(); d > 0 {
		metrics.CallDuration.Observe(d.Seconds())
	}
	s.logger.Info("call ended", "reason", rec.Reason, "duration", rec.Duration(), "turns", len(rec.Transcript))

	if f := s.deps.Finalizer; f != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpc.BestEffortTimeout)
		f.Hangup(ctx, rec.CallID)
		cancel()
		go f.Finalize(context.Background(), rec)
	}

	if s.deps.AI != nil {
		_ = s.deps.AI.Close()
	}
	if s.deps.Telephony != nil {
		_ = s.deps.Telephony.Close()
	}
	close(s.done)
}

func (s *Session) scriptParams() script.Params {
	pr := s.cfg.Prompt
	return script.Params{
		Base:       pr.Base,
		Business:   pr.Business,
		Persona:    pr.Persona,
		Company:    pr.Company,
		Agent:      pr.AgentName,
		Language:   pr.Language,
		StreamID:   s.rec.StreamID,
		CallID:     s.rec.CallID,
		OutboundID: s.rec.OutboundID,
		TargetName: s.rec.TargetName,
		To:         s.rec.To,
		From:       s.rec.From,
	}
}

// Phase returns the current phase. Only meaningful on the session goroutine or after Done.
func (s *Session) Phase() Phase { return s.phase }
