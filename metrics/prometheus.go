package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics for the relay
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram
	StateTransitions *prometheus.CounterVec

	// Upstream frame metrics
	FramesDecoded *prometheus.CounterVec
	DecodeErrors  prometheus.Counter

	// Audio metrics
	ClientAudioBytes  prometheus.Counter
	ChunksSent        prometheus.Counter
	DiscardedBytes    prometheus.Counter
	ResampleFallbacks prometheus.Counter
	TurnsCompleted    prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_sessions",
			Help: "Current number of relayed client sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_sessions_started_total",
			Help: "Total number of client sessions accepted",
		}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_sessions_rejected_total",
			Help: "Total number of client connections refused at capacity",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_session_duration_seconds",
			Help:    "Lifetime of client sessions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_state_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),

		FramesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_upstream_frames_total",
			Help: "Upstream frames decoded by kind",
		}, []string{"kind"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_upstream_decode_errors_total",
			Help: "Upstream frames that could not be decoded",
		}),

		ClientAudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_client_audio_bytes_total",
			Help: "Microphone audio bytes forwarded upstream",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_chunks_sent_total",
			Help: "Synthesized audio chunks written to clients",
		}),
		DiscardedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_discarded_bytes_total",
			Help: "Audio bytes dropped to keep sample alignment",
		}),
		ResampleFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_resample_fallbacks_total",
			Help: "Audio payloads passed through after a resample failure",
		}),
		TurnsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_turns_completed_total",
			Help: "Synthesized turns closed with an end-of-turn sequence",
		}),
	}
}
