// Package observability exposes the core's OTel metric instruments and the
// Prometheus scrape endpoint.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	metricAnalysesPerformed  = "millstone.cachemiss.analyses.performed"
	metricAnalysesSuppressed = "millstone.cachemiss.analyses.suppressed"
	metricBudgetExhausted    = "millstone.cachemiss.budget.exhausted"
	metricBatchesEmitted     = "millstone.cachemiss.batches.emitted"
	metricGCEntriesRemoved   = "millstone.fpstore.gc.removed"
	metricPublishBytes       = "millstone.fpstore.publish.bytes"
)

// CoreMetrics holds the OTel instruments for the fingerprint store core. A
// nil *CoreMetrics is a valid no-op receiver so components need no guards.
type CoreMetrics struct {
	analysesPerformed  metric.Int64Counter
	analysesSuppressed metric.Int64Counter
	budgetExhausted    metric.Int64Counter
	batchesEmitted     metric.Int64Counter
	gcEntriesRemoved   metric.Int64Counter
	publishBytes       metric.Int64Counter
}

// NewCoreMetrics creates the core instruments from the given meter.
func NewCoreMetrics(mt metric.Meter) (*CoreMetrics, error) {
	b := newMetricBuilder(mt)

	cm := &CoreMetrics{
		analysesPerformed:  b.counter(metricAnalysesPerformed, "Cache-miss analyses performed", "{analysis}"),
		analysesSuppressed: b.counter(metricAnalysesSuppressed, "Cache-miss analyses suppressed by the changed frontier", "{analysis}"),
		budgetExhausted:    b.counter(metricBudgetExhausted, "Analyses skipped after the per-build budget was exhausted", "{analysis}"),
		batchesEmitted:     b.counter(metricBatchesEmitted, "Telemetry envelopes emitted by the batch logger", "{envelope}"),
		gcEntriesRemoved:   b.counter(metricGCEntriesRemoved, "Entries removed by the age-based GC pass", "{entry}"),
		publishBytes:       b.counter(metricPublishBytes, "Bytes uploaded when publishing the store", "By"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return cm, nil
}

// AnalysisPerformed counts one completed analysis.
func (m *CoreMetrics) AnalysisPerformed(ctx context.Context) {
	if m == nil {
		return
	}

	m.analysesPerformed.Add(ctx, 1)
}

// AnalysisSuppressed counts one frontier-suppressed analysis.
func (m *CoreMetrics) AnalysisSuppressed(ctx context.Context) {
	if m == nil {
		return
	}

	m.analysesSuppressed.Add(ctx, 1)
}

// BudgetExhausted counts one budget-rejected analysis.
func (m *CoreMetrics) BudgetExhausted(ctx context.Context) {
	if m == nil {
		return
	}

	m.budgetExhausted.Add(ctx, 1)
}

// BatchEmitted counts one emitted telemetry envelope.
func (m *CoreMetrics) BatchEmitted(ctx context.Context) {
	if m == nil {
		return
	}

	m.batchesEmitted.Add(ctx, 1)
}

// GCEntriesRemoved counts entries removed by a GC pass.
func (m *CoreMetrics) GCEntriesRemoved(ctx context.Context, n int64) {
	if m == nil {
		return
	}

	m.gcEntriesRemoved.Add(ctx, n)
}

// PublishBytes counts bytes uploaded to the artifact cache.
func (m *CoreMetrics) PublishBytes(ctx context.Context, n int64) {
	if m == nil {
		return
	}

	m.publishBytes.Add(ctx, n)
}

// metricBuilder collects the first instrument-creation error.
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func newMetricBuilder(mt metric.Meter) *metricBuilder {
	return &metricBuilder{meter: mt}
}

func (b *metricBuilder) counter(name, description, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil && b.err == nil {
		b.err = err
	}

	return c
}
