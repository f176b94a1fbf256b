package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server exposes on /metrics. One instance
// is created at startup and shared by reference.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	SessionsTotal     prometheus.Gauge

	RequestsAdmitted *prometheus.CounterVec
	RequestsDenied   *prometheus.CounterVec

	StageOutcomes *prometheus.CounterVec

	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheDeduped    prometheus.Counter
	FramesDropped   prometheus.Counter
	TurnsTimedOut   prometheus.Counter
	HistoryDropped  prometheus.Counter

	BrokerPublishes prometheus.Counter
	BrokerSelfDrops prometheus.Counter

	BreakerTransitions *prometheus.CounterVec
}

// New registers all collectors on a private registry so tests can create
// instances freely without double-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "destek_ws_connections_active",
			Help: "Open WebSocket connections on this worker.",
		}),
		SessionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "destek_sessions_total",
			Help: "Sessions registered across the fleet at last count.",
		}),

		RequestsAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "destek_ratelimit_admitted_total",
			Help: "Requests admitted by the rate limiter.",
		}, []string{"class"}),
		RequestsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "destek_ratelimit_denied_total",
			Help: "Requests denied by the rate limiter.",
		}, []string{"class"}),

		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "destek_pipeline_stage_outcomes_total",
			Help: "Answer pipeline outcomes by stage and result.",
		}, []string{"stage", "outcome"}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_response_cache_hits_total",
			Help: "Reply cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_response_cache_misses_total",
			Help: "Reply cache misses that ran the pipeline.",
		}),
		CacheDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_response_cache_deduped_total",
			Help: "Callers that waited on an identical in-flight computation.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_ws_frames_dropped_total",
			Help: "Outbound frames shed by full send queues.",
		}),
		TurnsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_chat_turns_timed_out_total",
			Help: "Chat turns that exceeded the orchestration deadline.",
		}),
		HistoryDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_history_dropped_total",
			Help: "Chat turns lost to history queue overflow.",
		}),

		BrokerPublishes: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_broker_publishes_total",
			Help: "Envelopes published to the broker.",
		}),
		BrokerSelfDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "destek_broker_self_drops_total",
			Help: "Envelopes dropped because this worker originated them.",
		}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "destek_circuit_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"name", "to"}),
	}
}

// Handler exposes the registry for the /metrics route.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
