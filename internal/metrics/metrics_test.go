package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, c.Write(metric))
	return metric.GetCounter().GetValue()
}

func TestCounters(t *testing.T) {
	m := New()
	m.Event("enter")
	m.Event("enter")
	m.Event("exit")
	m.SessionCreated()
	m.Spliced(2)
	m.Violation()
	m.DroppedInstruction()
	m.RootCompleted(3 * time.Millisecond)

	require.Equal(t, 2.0, counterValue(t, m.Events.WithLabelValues("enter")))
	require.Equal(t, 1.0, counterValue(t, m.Sessions))
	require.Equal(t, 2.0, counterValue(t, m.Splices))
	require.Equal(t, 1.0, counterValue(t, m.Roots))

	hist := &dto.Metric{}
	require.NoError(t, m.RootDuration.Write(hist))
	require.Equal(t, uint64(1), hist.GetHistogram().GetSampleCount())
}

func TestWriteText(t *testing.T) {
	m := New()
	m.Event("line")
	m.RootCompleted(time.Second)

	var sb strings.Builder
	require.NoError(t, m.WriteText(&sb))
	out := sb.String()
	require.Contains(t, out, `calltrace_events_total{kind="line"} 1`+"\n")
	require.Contains(t, out, "calltrace_root_duration_seconds_count 1\n")
	require.Contains(t, out, "calltrace_root_duration_seconds_sum 1\n")
	require.Contains(t, out, "calltrace_sessions_total 0\n")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Event("enter")
	m.RootCompleted(time.Second)
	m.PartialClosed(1)
	require.Nil(t, m.Registry())
	require.NoError(t, m.WriteText(&strings.Builder{}))
}
