// Package observability exposes saga and sweeper metrics for Prometheus
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	issuance "github.com/x402-foundation/issuance"
)

const namespace = "issuer"

// Metrics holds the service collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	sagas        *prometheus.CounterVec
	sagaDuration prometheus.Histogram
	swept        *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_steps_total",
			Help:      "Saga step outcomes by step and result.",
		}, []string{"step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_step_duration_seconds",
			Help:      "Time spent executing a saga step, including ledger validation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_total",
			Help:      "Finished saga runs by final state.",
		}, []string{"state"}),
		sagaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "Wall time of a saga run.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_records_total",
			Help:      "Records removed by the TTL sweeper.",
		}, []string{"category"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.steps,
		m.stepDuration,
		m.sagas,
		m.sagaDuration,
		m.swept,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AfterStep counts a step outcome; register it with issuance.WithAfterStepHook
func (m *Metrics) AfterStep(ctx issuance.StepResultContext) error {
	step := string(ctx.Step)
	m.steps.WithLabelValues(step, resultOf(ctx.Outcome)).Inc()
	if !ctx.Outcome.Skipped {
		m.stepDuration.WithLabelValues(step).Observe(ctx.Duration.Seconds())
	}
	return nil
}

// SagaComplete counts a finished saga; register it with issuance.WithSagaCompleteHook
func (m *Metrics) SagaComplete(ctx issuance.SagaResultContext) error {
	if ctx.Outcome == nil {
		return nil
	}
	m.sagas.WithLabelValues(string(ctx.Outcome.State)).Inc()
	m.sagaDuration.Observe(ctx.Duration.Seconds())
	return nil
}

// ObserveSweep counts the records removed by one sweeper pass
func (m *Metrics) ObserveSweep(r issuance.SweepReport) {
	m.swept.WithLabelValues("intents").Add(float64(r.Intents))
	m.swept.WithLabelValues("verification").Add(float64(r.Verification))
	m.swept.WithLabelValues("creations").Add(float64(r.Creations))
}

// ObserveRequest counts one served HTTP request
func (m *Metrics) ObserveRequest(route string, code int) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func resultOf(o issuance.StepOutcome) string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.OK:
		return "ok"
	case o.Reason == issuance.ReasonOutcomeUnknown:
		return "unknown"
	default:
		return "failed"
	}
}
