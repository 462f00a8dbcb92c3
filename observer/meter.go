package observer

import (
	"context"
	"sync"

	loom "github.com/nevindra/loom"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// otelMeter implements loom.Meter using OpenTelemetry. The planner and
// executor record domain metrics by name (dag.plans, dag.tasks,
// dag.executions, dag.execution.duration, tool.executions, tool.duration);
// instruments are created on first use and cached.
type otelMeter struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewMeter returns a loom.Meter backed by the global OTEL MeterProvider.
// Call observer.Init() first to configure the provider; otherwise metrics go
// to a no-op backend.
func NewMeter() loom.Meter {
	return &otelMeter{
		meter:      otel.Meter(scopeName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *otelMeter) Count(name string, delta int64, attrs ...loom.SpanAttr) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Int64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(context.Background(), delta, metric.WithAttributes(toOTELAttrs(attrs)...))
}

func (m *otelMeter) Record(name string, value float64, attrs ...loom.SpanAttr) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.Record(context.Background(), value, metric.WithAttributes(toOTELAttrs(attrs)...))
}

// compile-time check
var _ loom.Meter = (*otelMeter)(nil)
