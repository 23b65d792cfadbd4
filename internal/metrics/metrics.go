// Package metrics exposes engine counters as prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "calltrace"

// Metrics holds the engine's collectors and the registry they belong to.
type Metrics struct {
	reg *prometheus.Registry

	Events       *prometheus.CounterVec
	Sessions     prometheus.Counter
	Roots        prometheus.Counter
	Splices      prometheus.Counter
	Violations   prometheus.Counter
	Dropped      prometheus.Counter
	SinkFailures prometheus.Counter
	Partial      prometheus.Counter
	// RootDuration observes the duration of every completed root trace.
	RootDuration prometheus.Histogram
}

// New creates the collectors and registers them in a fresh registry.
func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events handled, by kind.",
		}, []string{"kind"}),
		Sessions:     counter("sessions_total", "Thread sessions created."),
		Roots:        counter("roots_completed_total", "Root traces completed and written."),
		Splices:      counter("pending_splices_total", "Pending segments attached to a parent."),
		Violations:   counter("protocol_violations_total", "Protocol violations detected."),
		Dropped:      counter("dropped_instructions_total", "Variable accesses dropped for lack of metadata or an open call."),
		SinkFailures: counter("sink_failures_total", "Sessions stopped by a sink failure."),
		Partial:      counter("partial_traces_total", "Unfinished trees flushed or discarded at close."),
		RootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "root_duration_seconds",
			Help:      "Duration of completed root traces.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 9),
		}),
	}
	m.reg.MustRegister(m.Events, m.Sessions, m.Roots, m.Splices, m.Violations,
		m.Dropped, m.SinkFailures, m.Partial, m.RootDuration)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Event counts one handled event.
func (m *Metrics) Event(kind string) {
	if m != nil {
		m.Events.WithLabelValues(kind).Inc()
	}
}

// SessionCreated counts a new session.
func (m *Metrics) SessionCreated() {
	if m != nil {
		m.Sessions.Inc()
	}
}

// RootCompleted counts a written root and observes its duration.
func (m *Metrics) RootCompleted(d time.Duration) {
	if m != nil {
		m.Roots.Inc()
		m.RootDuration.Observe(d.Seconds())
	}
}

// Spliced counts attached pending segments.
func (m *Metrics) Spliced(n int) {
	if m != nil {
		m.Splices.Add(float64(n))
	}
}

// Violation counts a protocol violation.
func (m *Metrics) Violation() {
	if m != nil {
		m.Violations.Inc()
	}
}

// DroppedInstruction counts a dropped variable access.
func (m *Metrics) DroppedInstruction() {
	if m != nil {
		m.Dropped.Inc()
	}
}

// SinkFailed counts a sink failure.
func (m *Metrics) SinkFailed() {
	if m != nil {
		m.SinkFailures.Inc()
	}
}

// PartialClosed counts unfinished trees handled at close.
func (m *Metrics) PartialClosed(n int) {
	if m != nil {
		m.Partial.Add(float64(n))
	}
}

// WriteText writes every non-empty series as "name{labels} value" lines,
// sorted by name. Histograms are written as their count and sum.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.reg.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			name := mf.GetName() + labels(metric)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				lines = append(lines, fmt.Sprintf("%s %g", name, metric.GetCounter().GetValue()))
			case dto.MetricType_GAUGE:
				lines = append(lines, fmt.Sprintf("%s %g", name, metric.GetGauge().GetValue()))
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				lines = append(lines,
					fmt.Sprintf("%s_count%s %d", mf.GetName(), labels(metric), h.GetSampleCount()),
					fmt.Sprintf("%s_sum%s %g", mf.GetName(), labels(metric), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func labels(m *dto.Metric) string {
	pairs := m.GetLabel()
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf("%s=%q", p.GetName(), p.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
