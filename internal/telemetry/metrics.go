package telemetry

import (
	"time"

	"github.com/armon/go-metrics"
)

// Metrics wraps an instance-scoped go-metrics sink. It is deliberately not
// built from the package-level global (metrics.DefaultInboundSink et al.)
// so that a coordinator and participant sharing a process during local
// testing never cross-pollute counters.
type Metrics struct {
	inner *metrics.Metrics
}

// NewMetrics builds a Metrics instance reporting under serviceName, using
// an in-memory sink (no external metrics backend is in scope here).
func NewMetrics(serviceName string) *Metrics {
	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	m, _ := metrics.New(cfg, sink)
	return &Metrics{inner: m}
}

func (m *Metrics) IncrCounter(key []string, val float32) {
	if m == nil || m.inner == nil {
		return
	}
	m.inner.IncrCounter(key, val)
}

func (m *Metrics) MeasureSince(key []string, start time.Time) {
	if m == nil || m.inner == nil {
		return
	}
	m.inner.MeasureSince(key, start)
}

func (m *Metrics) SetGauge(key []string, val float32) {
	if m == nil || m.inner == nil {
		return
	}
	m.inner.SetGauge(key, val)
}
