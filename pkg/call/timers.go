package call

import (
	"time"

	"github.com/teslashibe/go-callbridge/pkg/script"
)

type timerKind int

const (
	timerIdlePoll timerKind = iota
	timerMaxCallWarn
	timerMaxCallEnd
	timerWatchdog
	timerGrace
)

func (k timerKind) String() string {
	switch k {
	case timerIdlePoll:
		return "idle_poll"
	case timerMaxCallWarn:
		return "max_call_warn"
	case timerMaxCallEnd:
		return "max_call_end"
	case timerWatchdog:
		return "hangup_watchdog"
	case timerGrace:
		return "grace"
	default:
		return "unknown"
	}
}

// timerSet holds at most one outstanding handle per kind.
type timerSet struct {
	handles [timerGrace + 1]Timer
}

func (t *timerSet) set(k timerKind, h Timer) {
	if old := t.handles[k]; old != nil {
		old.Stop()
	}
	t.handles[k] = h
}

func (t *timerSet) stopAll() {
	for i, h := range t.handles {
		if h != nil {
			h.Stop()
			t.handles[i] = nil
		}
	}
}

func (s *Session) schedule(k timerKind, d time.Duration) {
	s.timers.set(k, s.clock.AfterFunc(d, func() {
		s.post(event{kind: evTimer, timer: k})
	}))
}

// scheduleLifecycle starts the idle poll and the max-call timers, relative to stream start.
func (s *Session) scheduleLifecycle() {
	p := s.cfg.Policy

	if p.IdlePollInterval > 0 && (p.IdleWarnAfter > 0 || p.IdleHangupAfter > 0) {
		s.schedule(timerIdlePoll, p.IdlePollInterval)
	}
	if at, ok := p.MaxCallWarnAt(); ok {
		s.schedule(timerMaxCallWarn, at)
	}
	if p.MaxCallDuration > 0 {
		s.schedule(timerMaxCallEnd, p.MaxCallDuration)
	}
}

func (s *Session) armWatchdog() {
	if d := s.cfg.Policy.HangupWatchdog; d > 0 {
		s.schedule(timerWatchdog, d)
	}
}

// armGrace arms the grace timer. It is armed at most once per session.
func (s *Session) armGrace() {
	if s.graceArmed {
		return
	}
	s.graceArmed = true
	s.schedule(timerGrace, s.cfg.Policy.Grace())
}

func (s *Session) onTimer(k timerKind) {
	if k == timerGrace {
		s.end()
		return
	}
	if s.phase >= PhaseClosing {
		return
	}

	switch k {
	case timerIdlePoll:
		s.checkIdle()
		if s.phase < PhaseClosing {
			s.schedule(timerIdlePoll, s.cfg.Policy.IdlePollInterval)
		}

	case timerMaxCallWarn:
		s.logger.Info("max call duration approaching")
		s.sendPrompt(script.WrapUp(), "max_call_warn")

	case timerMaxCallEnd:
		s.logger.Info("max call duration reached")
		s.requestHangup(ReasonMaxDuration, "max_call_end")

	case timerWatchdog:
		s.logger.Warn("closing line never completed")
		s.beginClosing(s.hangupReason)
	}
}

// checkIdle sends the idle check once, then the closing directive once. The check has
// priority so a single silence yields the two directives in order.
func (s *Session) checkIdle() {
	if !s.started {
		return
	}
	p := s.cfg.Policy
	silence := s.clock.Now().Sub(s.lastInboundAt)

	switch {
	case !s.idleWarned && p.IdleWarnAfter > 0 && silence >= p.IdleWarnAfter:
		if s.sendPrompt(script.IdleCheck(), "idle_warn") {
			s.idleWarned = true
			s.logger.Info("caller idle, checking in", "silence", silence)
		}

	case !s.idleClosing && p.IdleHangupAfter > 0 && silence >= p.IdleHangupAfter:
		s.idleClosing = true
		s.logger.Info("caller idle, hanging up", "silence", silence)
		s.requestHangup(ReasonIdleTimeout, "idle_hangup")
	}
}
