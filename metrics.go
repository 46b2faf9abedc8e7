package hotswap

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes runtime activity as Prometheus metrics. It
// observes lifecycle events for reload and violation counters, while
// invocation latency is recorded directly on the hot path.
type MetricsCollector struct {
	registry *prometheus.Registry

	reloadsTotal      *prometheus.CounterVec
	reloadPhases      *prometheus.CounterVec
	violationsTotal   *prometheus.CounterVec
	checkpointsTotal  *prometheus.CounterVec
	instancesLoaded   *prometheus.CounterVec
	invocationSeconds *prometheus.HistogramVec
	inflightCalls     *prometheus.GaugeVec
}

// NewMetricsCollector creates a collector with its own registry so the
// runtime's metrics never collide with a host process's default
// registerer.
func NewMetricsCollector() *MetricsCollector {
	m := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "reloads_total",
			Help:      "Reload transactions by module and outcome.",
		}, []string{"module", "outcome"}),
		reloadPhases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "reload_phase_transitions_total",
			Help:      "Reload phase transitions by module and phase.",
		}, []string{"module", "phase"}),
		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "capability_violations_total",
			Help:      "Capability and quota violations by module and capability kind.",
		}, []string{"module", "kind"}),
		checkpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "checkpoints_total",
			Help:      "Checkpoints recorded and pruned by module.",
		}, []string{"module", "op"}),
		instancesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "instances_loaded_total",
			Help:      "Module instances that reached the Ready state.",
		}, []string{"module"}),
		invocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hotswap",
			Name:      "invocation_duration_seconds",
			Help:      "Module operation latency.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"module", "operation", "status"}),
		inflightCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hotswap",
			Name:      "inflight_invocations",
			Help:      "Invocations currently executing inside a sandbox.",
		}, []string{"module"}),
	}
	m.registry.MustRegister(
		m.reloadsTotal,
		m.reloadPhases,
		m.violationsTotal,
		m.checkpointsTotal,
		m.instancesLoaded,
		m.invocationSeconds,
		m.inflightCalls,
	)
	return m
}

// Registry returns the collector's Prometheus registry for exposition.
func (m *MetricsCollector) Registry() *prometheus.Registry { return m.registry }

// ObserverID implements Observer.
func (m *MetricsCollector) ObserverID() string { return "hotswap-metrics" }

// OnEvent implements Observer, translating lifecycle events into
// counter increments.
func (m *MetricsCollector) OnEvent(_ context.Context, event CloudEvent) error {
	var data map[string]any
	if err := event.DataAs(&data); err != nil {
		return err
	}
	module, _ := data["module"].(string)

	switch event.Type() {
	case EventTypeReloadCommitted:
		m.reloadsTotal.WithLabelValues(module, string(OutcomeCommitted)).Inc()
	case EventTypeReloadRolledBack:
		m.reloadsTotal.WithLabelValues(module, string(OutcomeRolledBack)).Inc()
	case EventTypeReloadPhaseChanged:
		phase, _ := data["phase"].(string)
		m.reloadPhases.WithLabelValues(module, phase).Inc()
	case EventTypeViolationDetected:
		kind, _ := data["kind"].(string)
		m.violationsTotal.WithLabelValues(module, kind).Inc()
	case EventTypeCheckpointRecorded:
		m.checkpointsTotal.WithLabelValues(module, "recorded").Inc()
	case EventTypeCheckpointPruned:
		m.checkpointsTotal.WithLabelValues(module, "pruned").Inc()
	case EventTypeInstanceLoaded:
		m.instancesLoaded.WithLabelValues(module).Inc()
	}
	return nil
}

// metricEventTypes lists the event types the collector subscribes to.
func metricEventTypes() []string {
	return []string{
		EventTypeReloadCommitted,
		EventTypeReloadRolledBack,
		EventTypeReloadPhaseChanged,
		EventTypeViolationDetected,
		EventTypeCheckpointRecorded,
		EventTypeCheckpointPruned,
		EventTypeInstanceLoaded,
	}
}

// observeInvocation records latency for a completed invocation.
func (m *MetricsCollector) observeInvocation(module, op string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.invocationSeconds.WithLabelValues(module, op, status).Observe(took.Seconds())
}

func (m *MetricsCollector) invocationStarted(module string) {
	m.inflightCalls.WithLabelValues(module).Inc()
}

func (m *MetricsCollector) invocationFinished(module string) {
	m.inflightCalls.WithLabelValues(module).Dec()
}
