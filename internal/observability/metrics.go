package observability

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_executed_total",
			Help: "Total number of task executions by terminal outcome",
		},
		[]string{"task", "outcome"},
	)
	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_execution_duration_seconds",
			Help:    "Task handler execution duration in seconds",
			Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"task"},
	)
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of task messages published",
		},
		[]string{"queue"},
	)
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_in_flight",
			Help: "Number of deliveries currently being executed",
		},
	)
	TasksRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_rate_limited_total",
			Help: "Total number of executions deferred by the rate limiter",
		},
		[]string{"task"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dead_lettered_total",
			Help: "Total number of messages parked in the dead-letter store",
		},
		[]string{"queue"},
	)

	DelayedPendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "delayed_pending_messages",
			Help: "Number of messages waiting in the delayed store",
		},
	)
	DelayedDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delayed_dispatched_total",
			Help: "Total number of due messages republished by the dispatcher",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per name (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
	KillSwitchState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kill_switch_state",
			Help: "Kill switch state (0 ready, 1 tracking, 2 tripped, 3 restarting)",
		},
	)
	KillSwitchTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kill_switch_trips_total",
			Help: "Total number of kill switch trips",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(TasksExecutedTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(TasksRateLimitedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(DelayedPendingMessages)
	prometheus.MustRegister(DelayedDispatchedTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(KillSwitchState)
	prometheus.MustRegister(KillSwitchTripsTotal)
}

// HealthRouter builds the operational HTTP surface: metrics plus liveness
// and readiness probes. ready is consulted on every /readyz request.
func HealthRouter(ready func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return r
}
