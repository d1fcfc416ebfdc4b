package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-script-launcher/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	executionDurationSeconds *prom.HistogramVec
	executionPanicTotal      *prom.CounterVec
	submissionRejectedTotal  *prom.CounterVec
	affinityDecisionTotal    *prom.CounterVec
	queueDepth               *prom.GaugeVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "launcher"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Execution duration in seconds, from Running to the terminal state.",
		Buckets:   buckets,
	}, []string{"mode", "state"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "execution_panic_total",
		Help:      "Total number of work bodies that panicked.",
	}, []string{"executor"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "submission_rejected_total",
		Help:      "Total number of rejected submissions.",
	}, []string{"reason"})
	decisionVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "affinity_decision_total",
		Help:      "Total number of affinity decisions.",
	}, []string{"mode", "forced"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current number of Pending executions per executor.",
	}, []string{"executor"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if decisionVec, err = registerCollector(reg, decisionVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		executionDurationSeconds: durationVec,
		executionPanicTotal:      panicVec,
		submissionRejectedTotal:  rejectedVec,
		affinityDecisionTotal:    decisionVec,
		queueDepth:               queueDepthVec,
	}, nil
}

// RecordExecutionDuration records how long a body ran.
func (m *MetricsExporter) RecordExecutionDuration(mode core.AffinityMode, state core.ExecutionState, duration time.Duration) {
	if m == nil {
		return
	}
	m.executionDurationSeconds.WithLabelValues(mode.String(), state.String()).Observe(duration.Seconds())
}

// RecordExecutionPanic records body panic events.
func (m *MetricsExporter) RecordExecutionPanic(executor string, panicInfo any) {
	if m == nil {
		return
	}
	m.executionPanicTotal.WithLabelValues(normalizeLabel(executor, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(executor string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(executor, "unknown")).Set(float64(depth))
}

// RecordAffinityDecision counts resolver outcomes.
func (m *MetricsExporter) RecordAffinityDecision(mode core.AffinityMode, forced bool) {
	if m == nil {
		return
	}
	m.affinityDecisionTotal.WithLabelValues(mode.String(), boolLabel(forced)).Inc()
}

// RecordSubmissionRejected records rejected submissions.
func (m *MetricsExporter) RecordSubmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.submissionRejectedTotal.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
