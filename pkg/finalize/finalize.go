// Package finalize runs the post-call pipeline: telephony hangup, transcript analysis,
// archive and webhooks. Every step is best effort; failures are logged and never retried.
package finalize

import (
	"context"
	"log/slog"
	"time"

	"github.com/teslashibe/go-callbridge/internal/httpc"
	"github.com/teslashibe/go-callbridge/internal/log"
	"github.com/teslashibe/go-callbridge/internal/publisher"
	"github.com/teslashibe/go-callbridge/pkg/analysis"
	"github.com/teslashibe/go-callbridge/pkg/archive"
	"github.com/teslashibe/go-callbridge/pkg/call"
	"github.com/teslashibe/go-callbridge/pkg/webhook"
)

// Hanger terminates a telephony leg.
type Hanger interface {
	Hangup(ctx context.Context, callSID string) error
}

// Analyzer classifies a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error)
}

// Poster delivers a webhook.
type Poster interface {
	Post(ctx context.Context, kind webhook.Kind, url string, payload any) error
}

// Archiver stores a finished call.
type Archiver interface {
	Authenticated() bool
	Save(ctx context.Context, rec call.Record, res *analysis.Result) (string, error)
}

// EventSink publishes call events.
type EventSink interface {
	Emit(ctx context.Context, callSID string, ev publisher.Event, data any)
}

// URLs are the webhook targets. Empty targets are skipped.
type URLs struct {
	CallLog string
	Lead    string
	Summary string
}

// Deps are the pipeline's collaborators. Any of them may be nil.
type Deps struct {
	Hanger   Hanger
	Analyzer Analyzer
	Webhooks Poster
	Archive  Archiver
	Events   EventSink
	Logger   *slog.Logger
}

// Finalizer implements call.Finalizer.
type Finalizer struct {
	urls    URLs
	deps    Deps
	timeout time.Duration
	logger  *slog.Logger
}

var _ call.Finalizer = (*Finalizer)(nil)

// New creates a Finalizer.
func New(urls URLs, deps Deps) *Finalizer {
	return &Finalizer{
		urls:    urls,
		deps:    deps,
		timeout: httpc.BestEffortTimeout,
		logger:  log.OrDefault(deps.Logger).With("component", "finalize"),
	}
}

// Hangup asks the telephony provider to complete callSID.
func (f *Finalizer) Hangup(ctx context.Context, callSID string) {
	if callSID == "" || f.deps.Hanger == nil {
		return
	}
	if err := f.deps.Hanger.Hangup(ctx, callSID); err != nil {
		f.logger.Warn("hangup failed", "call_sid", callSID, "error", err)
		return
	}
	f.logger.Info("hangup requested", "call_sid", callSID)
}

// Finalize analyzes rec and dispatches its webhooks. The call-log webhook is always sent;
// the lead and summary webhooks only when the analysis qualifies the call.
func (f *Finalizer) Finalize(ctx context.Context, rec call.Record) {
	logger := f.logger.With("call_sid", rec.CallID, "outbound_id", rec.OutboundID)
	logger.Info("finalizing call", "reason", rec.Reason, "entries", len(rec.Transcript))

	f.emit(ctx, rec.CallID, publisher.EventEnded, EndedEvent{
		OutboundID:      rec.OutboundID,
		StreamID:        rec.StreamID,
		Reason:          rec.Reason,
		DurationSeconds: rec.Duration().Seconds(),
	})

	res := f.analyze(ctx, rec, logger)

	var docURL string
	if f.deps.Archive != nil && f.deps.Archive.Authenticated() {
		actx, cancel := context.WithTimeout(ctx, f.timeout)
		id, err := f.deps.Archive.Save(actx, rec, res)
		cancel()
		if err != nil {
			logger.Warn("archive failed", "error", err)
		}
		if id != "" {
			docURL = archive.DocURL(id)
		}
	}

	f.post(ctx, webhook.KindCallLog, f.urls.CallLog, NewCallLog(rec, res, docURL))

	phone, ok := res.Qualifies()
	if !ok {
		logger.Info("call did not qualify for follow-up")
		return
	}
	f.post(ctx, webhook.KindLead, f.urls.Lead, NewLead(rec, res, phone))
	f.post(ctx, webhook.KindSummary, f.urls.Summary, NewSummary(rec, res))
}

// Unconnected reports a call that never reached the media stream.
func (f *Finalizer) Unconnected(ctx context.Context, callSID, outboundID, to, status string) {
	rec := call.Record{
		CallID:     callSID,
		OutboundID: outboundID,
		To:         to,
		Reason:     call.Reason(status),
		EndedAt:    time.Now().UTC(),
	}
	f.logger.Info("call never connected", "call_sid", callSID, "status", status)
	f.post(ctx, webhook.KindCallLog, f.urls.CallLog, NewCallLog(rec, nil, ""))
}

func (f *Finalizer) analyze(ctx context.Context, rec call.Record, logger *slog.Logger) *analysis.Result {
	if f.deps.Analyzer == nil {
		return nil
	}
	res, err := f.deps.Analyzer.Analyze(ctx, analysis.Input{
		TargetName: rec.TargetName,
		To:         rec.To,
		Transcript: rec.TranscriptText(),
	})
	if err != nil {
		logger.Warn("analysis failed", "error", err)
		return nil
	}
	return res
}

func (f *Finalizer) post(ctx context.Context, kind webhook.Kind, url string, payload any) {
	if f.deps.Webhooks == nil {
		return
	}
	// Errors are logged by the dispatcher.
	_ = f.deps.Webhooks.Post(ctx, kind, url, payload)
}

func (f *Finalizer) emit(ctx context.Context, callSID string, ev publisher.Event, data any) {
	if f.deps.Events == nil {
		return
	}
	ectx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	f.deps.Events.Emit(ectx, callSID, ev, data)
}
