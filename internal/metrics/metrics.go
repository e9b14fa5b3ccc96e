package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_active_sessions",
			Help: "Number of calls with an open media stream",
		},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_sessions_ended_total",
			Help: "Calls ended, by reason",
		},
		[]string{"reason"},
	)

	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callbridge_call_duration_seconds",
			Help:    "Duration of streamed calls in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
		},
	)

	InboundFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_inbound_frames_total",
			Help: "Caller audio frames, by outcome (forwarded or dropped)",
		},
		[]string{"outcome"},
	)

	Directives = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_directives_total",
			Help: "Directives injected into the model, by kind and result",
		},
		[]string{"kind", "result"},
	)

	Webhooks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_webhooks_total",
			Help: "Webhook deliveries, by kind and result",
		},
		[]string{"kind", "result"},
	)

	AnalysisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "callbridge_analysis_latency_seconds",
			Help: "Transcript analysis latency in seconds",
		},
	)
)
