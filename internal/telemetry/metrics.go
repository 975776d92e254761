package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SignalsEmitted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_signals_emitted_total", Help: "Signals persisted"})
	SignalsDeduped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_signals_deduped_total", Help: "Emit calls resolved to an existing signal"})
	FanoutScheduleErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_fanout_schedule_errors_total", Help: "Fanout scheduling failures absorbed by the bus"})
	FanoutSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_fanout_completed_total", Help: "Fanout jobs where every handler succeeded"})
	FanoutRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_fanout_retries_total", Help: "Fanout jobs re-scheduled after a handler failure"})
	FanoutDeadLetter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_fanout_dead_letter_total", Help: "Fanout jobs moved to the DLQ"})
	DirectivesRequested  = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_directives_requested_total", Help: "Directives created"})
	DirectivesDeduped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_directives_deduped_total", Help: "Request calls resolved to an existing directive"})
	DirectivesSucceeded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_directives_succeeded_total", Help: "Directive executions that succeeded"})
	DirectivesFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_directives_failed_total", Help: "Directive executions that failed"})
	ReplayScheduled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_replay_scheduled_total", Help: "Fanout jobs scheduled by the replay service"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "backbone_rate_limit_rejects_total", Help: "Requests rejected by the per-tenant rate limiter"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "backbone_queue_depth", Help: "Ready queue depth across job kinds"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "backbone_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SignalsEmitted,
			SignalsDeduped,
			FanoutScheduleErrors,
			FanoutSuccess,
			FanoutRetries,
			FanoutDeadLetter,
			DirectivesRequested,
			DirectivesDeduped,
			DirectivesSucceeded,
			DirectivesFailed,
			ReplayScheduled,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
