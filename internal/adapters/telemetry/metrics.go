// Package telemetry records service measurements as Prometheus metrics.
package telemetry

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

const namespace = "pkgctl"

// Metrics implements app.Observer over a dedicated registry.
type Metrics struct {
	registry       *prometheus.Registry
	plans          *prometheus.CounterVec
	planSize       *prometheus.HistogramVec
	actions        *prometheus.CounterVec
	operationWait  *prometheus.HistogramVec
	operationState prometheus.Gauge
}

var _ app.Observer = (*Metrics)(nil)

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		plans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "planner",
				Name:      "plans_total",
				Help:      "Plans built by intent and outcome.",
			},
			[]string{"intent", "outcome"},
		),
		planSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "planner",
				Name:      "plan_actions",
				Help:      "Number of actions in successfully built plans.",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"intent"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "actions_applied_total",
				Help:      "Actions applied by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		operationWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "operation",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for an operation session.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		operationState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "active",
			Help:      "1 while an operation session is active.",
		}),
	}
	m.registry.MustRegister(
		m.plans,
		m.planSize,
		m.actions,
		m.operationWait,
		m.operationState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PlanBuilt counts one planning request.
func (m *Metrics) PlanBuilt(intent string, actions int, err error) {
	m.plans.WithLabelValues(intent, outcome(err)).Inc()
	if err == nil {
		m.planSize.WithLabelValues(intent).Observe(float64(actions))
	}
}

// ActionApplied counts one executed action.
func (m *Metrics) ActionApplied(actionType domain.ActionType, err error) {
	m.actions.WithLabelValues(string(actionType), outcome(err)).Inc()
}

// OperationWaited observes one Begin call.
func (m *Metrics) OperationWaited(seconds float64, err error) {
	m.operationWait.WithLabelValues(outcome(err)).Observe(seconds)
}

// OperationActive tracks the session state.
func (m *Metrics) OperationActive(active bool) {
	if active {
		m.operationState.Set(1)
		return
	}
	m.operationState.Set(0)
}

// outcome reduces an error to a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, app.ErrOperationTimeout):
		return "timeout"
	case errors.Is(err, app.ErrOperationInProgress):
		return "busy"
	case errors.Is(err, app.ErrCancelled):
		return "cancelled"
	case errors.Is(err, app.ErrConflict):
		return "conflict"
	case errors.Is(err, app.ErrUnresolvableConstraints):
		return "unresolvable"
	default:
		return "error"
	}
}
