package call

import (
	"strings"
	"time"
)

// Reason says why a call ended.
type Reason string

const (
	ReasonPeerStop        Reason = "peer_stop"
	ReasonTelephonyClosed Reason = "telephony_closed"
	ReasonAIClosed        Reason = "ai_closed"
	ReasonAIError         Reason = "ai_error"
	ReasonIdleTimeout     Reason = "idle_timeout"
	ReasonMaxDuration     Reason = "max_duration"
	ReasonShutdown        Reason = "shutdown"
)

// Speaker identifies who said a transcript line.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

// Entry is one transcript line.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Record is what a finished call hands to the finalizer.
type Record struct {
	StreamID   string    `json:"stream_id"`
	CallID     string    `json:"call_id"`
	OutboundID string    `json:"outbound_id"`
	TargetName string    `json:"name,omitempty"`
	To         string    `json:"to,omitempty"`
	From       string    `json:"from,omitempty"`
	Reason     Reason    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Transcript []Entry   `json:"transcript"`
}

// Duration is the time between stream start and the end of the call, or zero when the
// stream never started.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// TranscriptText renders the transcript one line per entry.
func (r Record) TranscriptText() string {
	var b strings.Builder
	for _, e := range r.Transcript {
		b.WriteString(string(e.Speaker))
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
