package finalize

import (
	"time"

	"github.com/teslashibe/go-callbridge/pkg/analysis"
	"github.com/teslashibe/go-callbridge/pkg/call"
)

// CallLog is the call-log webhook body.
type CallLog struct {
	OutboundID      string           `json:"outbound_id"`
	CallID          string           `json:"call_sid"`
	StreamID        string           `json:"stream_sid,omitempty"`
	TargetName      string           `json:"name,omitempty"`
	To              string           `json:"to,omitempty"`
	From            string           `json:"from,omitempty"`
	Reason          call.Reason      `json:"reason"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         time.Time        `json:"ended_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Transcript      []call.Entry     `json:"transcript"`
	Analysis        *analysis.Result `json:"analysis,omitempty"`
	DocURL          string           `json:"doc_url,omitempty"`
}

// NewCallLog builds the call-log body.
func NewCallLog(rec call.Record, res *analysis.Result, docURL string) CallLog {
	out := CallLog{
		OutboundID:      rec.OutboundID,
		CallID:          rec.CallID,
		StreamID:        rec.StreamID,
		TargetName:      rec.TargetName,
		To:              rec.To,
		From:            rec.From,
		Reason:          rec.Reason,
		EndedAt:         rec.EndedAt,
		DurationSeconds: rec.Duration().Seconds(),
		Transcript:      rec.Transcript,
		Analysis:        res,
		DocURL:          docURL,
	}
	if out.Transcript == nil {
		out.Transcript = []call.Entry{}
	}
	if !rec.StartedAt.IsZero() {
		started := rec.StartedAt
		out.StartedAt = &started
	}
	return out
}

// Lead is the lead webhook body.
type Lead struct {
	OutboundID string `json:"outbound_id"`
	CallID     string `json:"call_sid"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone"`
	Consent    *bool  `json:"consent"`
	NextStep   string `json:"next_step,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// NewLead builds the lead body. phone is the normalized number.
func NewLead(rec call.Record, res *analysis.Result, phone string) Lead {
	name := res.Name
	if name == "" {
		name = rec.TargetName
	}
	return Lead{
		OutboundID: rec.OutboundID,
		CallID:     rec.CallID,
		Name:       name,
		Phone:      phone,
		Consent:    res.Consent,
		NextStep:   res.NextStep,
		Summary:    res.Summary,
	}
}

// Summary is the customer-facing summary webhook body.
type Summary struct {
	OutboundID string `json:"outbound_id"`
	CallID     string `json:"call_sid"`
	Name       string `json:"name,omitempty"`
	Summary    string `json:"summary"`
	NextStep   string `json:"next_step,omitempty"`
	Sentiment  string `json:"sentiment,omitempty"`
}

// NewSummary builds the summary body.
func NewSummary(rec call.Record, res *analysis.Result) Summary {
	name := res.Name
	if name == "" {
		name = rec.TargetName
	}
	return Summary{
		OutboundID: rec.OutboundID,
		CallID:     rec.CallID,
		Name:       name,
		Summary:    res.Summary,
		NextStep:   res.NextStep,
		Sentiment:  res.Sentiment,
	}
}

// EndedEvent is published when a call finishes.
type EndedEvent struct {
	OutboundID      string      `json:"outbound_id,omitempty"`
	StreamID        string      `json:"stream_sid,omitempty"`
	Reason          call.Reason `json:"reason"`
	DurationSeconds float64     `json:"duration_seconds"`
}
