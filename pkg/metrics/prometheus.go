package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strapper"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	passDuration    *prom.HistogramVec
	unitOutcomes    *prom.CounterVec
	lastVersion     prom.Gauge
	connected       prom.Gauge
	reconnects      prom.Counter
	desiredReceived prom.Counter
	reportsDropped  prom.Counter
}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		passDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Duration of reconciliation passes by result",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		unitOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "unit_outcomes_total",
			Help:      "Unit outcomes by action taken",
		}, []string{"action", "outcome"}),
		lastVersion: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_state_version",
			Help:      "Version of the last desired state the engine began",
		}),
		connected: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_connected",
			Help:      "1 while a session with the coordinator is established",
		}),
		reconnects: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_reconnects_total",
			Help:      "Connection attempts after the first",
		}),
		desiredReceived: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "desired_states_received_total",
			Help:      "Desired states accepted from the coordinator",
		}),
		reportsDropped: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reports_dropped_total",
			Help:      "Status reports dropped from a full queue",
		}),
	}
	reg.MustRegister(pr.passDuration, pr.unitOutcomes, pr.lastVersion, pr.connected,
		pr.reconnects, pr.desiredReceived, pr.reportsDropped)
	return pr
}

func (p *PrometheusRecorder) ObservePassDuration(result PassResult, d time.Duration) {
	if p == nil {
		return
	}
	p.passDuration.WithLabelValues(string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncUnitOutcome(action, outcome string) {
	if p == nil {
		return
	}
	p.unitOutcomes.WithLabelValues(action, outcome).Inc()
}

func (p *PrometheusRecorder) SetLastVersion(version uint64) {
	if p == nil {
		return
	}
	p.lastVersion.Set(float64(version))
}

func (p *PrometheusRecorder) SetConnected(connected bool) {
	if p == nil {
		return
	}
	if connected {
		p.connected.Set(1)
		return
	}
	p.connected.Set(0)
}

func (p *PrometheusRecorder) IncReconnect() {
	if p == nil {
		return
	}
	p.reconnects.Inc()
}

func (p *PrometheusRecorder) IncDesiredReceived() {
	if p == nil {
		return
	}
	p.desiredReceived.Inc()
}

func (p *PrometheusRecorder) IncReportDropped() {
	if p == nil {
		return
	}
	p.reportsDropped.Inc()
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for the
// provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
