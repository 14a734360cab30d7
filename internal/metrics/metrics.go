// Package metrics exposes bot orchestration metrics in Prometheus format.
//
// A Collector owns its registry so several instances can coexist in tests.
// It satisfies the metric ports of the manager, the error handler and the
// auto-deploy trigger.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studiobot/internal/bot"
)

const namespace = "studiobot"

// Breaker states as gauge values.
var breakerValues = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

type Collector struct {
	reg *prometheus.Registry

	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	running     *prometheus.GaugeVec
	breaker     *prometheus.GaugeVec
	rejections  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	autoDeploys *prometheus.CounterVec
	tasks       *prometheus.CounterVec
}

// NewCollector registers all metrics on a fresh registry, together with the
// Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_executions_total",
			Help:      "Bot executions by kind and final status.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bot_execution_duration_seconds",
			Help:      "Bot execution wall time.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bot_running",
			Help:      "1 while an execution of the kind is in flight.",
		}, []string{"kind"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bot_circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_rejections_total",
			Help:      "Executions rejected before running.",
		}, []string{"kind", "reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_errors_total",
			Help:      "Handled errors by kind and severity.",
		}, []string{"kind", "severity"}),
		autoDeploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autodeploy_total",
			Help:      "Auto-deploy trigger outcomes.",
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_task_runs_total",
			Help:      "Scheduled task runs by task and outcome.",
		}, []string{"task", "outcome"}),
	}
	c.reg.MustRegister(
		c.executions, c.duration, c.running, c.breaker,
		c.rejections, c.errors, c.autoDeploys, c.tasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveExecution(kind bot.Kind, status string, d time.Duration) {
	c.executions.WithLabelValues(string(kind), status).Inc()
	c.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (c *Collector) SetRunning(kind bot.Kind, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	c.running.WithLabelValues(string(kind)).Set(v)
}

func (c *Collector) SetBreakerState(kind bot.Kind, state string) {
	v, ok := breakerValues[state]
	if !ok {
		return
	}
	c.breaker.WithLabelValues(string(kind)).Set(v)
}

func (c *Collector) ObserveRejection(kind bot.Kind, reason string) {
	c.rejections.WithLabelValues(string(kind), reason).Inc()
}

func (c *Collector) ObserveError(kind bot.Kind, severity string) {
	c.errors.WithLabelValues(string(kind), severity).Inc()
}

func (c *Collector) ObserveAutoDeploy(outcome string) {
	c.autoDeploys.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveTask(task, outcome string) {
	c.tasks.WithLabelValues(task, outcome).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
