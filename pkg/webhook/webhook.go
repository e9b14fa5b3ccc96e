// Package webhook delivers call results as fire-and-forget JSON POSTs.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/go-callbridge/internal/httpc"
	"github.com/teslashibe/go-callbridge/internal/metrics"
)

// Kind names a webhook.
type Kind string

const (
	KindCallLog Kind = "call_log"
	KindLead    Kind = "lead"
	KindSummary Kind = "summary"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Callbridge-Event"
	HeaderSignature = "X-Callbridge-Signature"
)

// DefaultTimeout bounds one delivery.
const DefaultTimeout = httpc.BestEffortTimeout

// StatusError is a non-2xx reply from a receiver.
type StatusError struct {
	Kind       Kind
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s: receiver returned %d", e.Kind, e.StatusCode)
}

// Dispatcher posts payloads. Deliveries are never retried.
type Dispatcher struct {
	http    *http.Client
	secret  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSecret signs bodies with HMAC-SHA256.
func WithSecret(secret string) Option {
	return func(d *Dispatcher) { d.secret = secret }
}

// WithTimeout bounds each delivery.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.http = httpc.NewClient(d.timeout)
	d.logger = d.logger.With("component", "webhook")
	return d
}

// Post delivers payload to url. An empty url is skipped. The error is returned for the
// caller to log; the dispatcher itself never retries.
func (d *Dispatcher) Post(ctx context.Context, kind Kind, url string, payload any) error {
	if url == "" {
		d.logger.Debug("webhook not configured", "kind", kind)
		metrics.Webhooks.WithLabelValues(string(kind), "skipped").Inc()
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook %s: encode: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	header := http.Header{}
	header.Set(HeaderEvent, string(kind))
	if d.secret != "" {
		header.Set(HeaderSignature, "sha256="+Sign(d.secret, body))
	}

	resp, err := httpc.PostJSON(ctx, d.http, url, json.RawMessage(body), header)
	if err != nil {
		metrics.Webhooks.WithLabelValues(string(kind), "error").Inc()
		d.logger.Warn("webhook delivery failed", "kind", kind, "error", err)
		return fmt.Errorf("webhook %s: %w", kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		metrics.Webhooks.WithLabelValues(string(kind), "rejected").Inc()
		d.logger.Warn("webhook rejected", "kind", kind, "status", resp.StatusCode)
		return &StatusError{Kind: kind, StatusCode: resp.StatusCode}
	}

	metrics.Webhooks.WithLabelValues(string(kind), "delivered").Inc()
	d.logger.Info("webhook delivered", "kind", kind, "status", resp.StatusCode)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
