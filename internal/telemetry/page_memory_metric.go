package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// PageMemoryMetrics holds the instruments shared by page memory, the
// checkpointer and the page store engine.
type PageMemoryMetrics struct {
	PageHitsCounter           metric.Int64Counter
	PageMissesCounter         metric.Int64Counter
	EvictionsCounter          metric.Int64Counter
	ReplacementWritesCounter  metric.Int64Counter
	CheckpointBufferPages     metric.Int64UpDownCounter
	CheckpointsCounter        metric.Int64Counter
	CheckpointPagesCounter    metric.Int64Counter
	CheckpointDurationHist    metric.Int64Histogram
	PagesAllocatedCounter     metric.Int64Counter
	PagesReclaimedCounter     metric.Int64Counter
	CorruptionsCounter        metric.Int64Counter
	QuarantinedPartitionGauge metric.Int64UpDownCounter
}

// NewPageMemoryMetrics creates and registers all the storage metrics on meter.
func NewPageMemoryMetrics(meter metric.Meter) (*PageMemoryMetrics, error) {
	m := &PageMemoryMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PageHitsCounter, "gojopage.pagememory.hits_total", "Page acquisitions served from memory."},
		{&m.PageMissesCounter, "gojopage.pagememory.misses_total", "Page acquisitions that had to read the page store."},
		{&m.EvictionsCounter, "gojopage.pagememory.evictions_total", "Pages evicted from page memory."},
		{&m.ReplacementWritesCounter, "gojopage.pagememory.replacement_writes_total", "Dirty victims written to delta files."},
		{&m.CheckpointsCounter, "gojopage.checkpoint.completed_total", "Checkpoints completed."},
		{&m.CheckpointPagesCounter, "gojopage.checkpoint.pages_total", "Pages written by checkpoints."},
		{&m.PagesAllocatedCounter, "gojopage.pagestore.allocated_total", "Pages allocated."},
		{&m.PagesReclaimedCounter, "gojopage.pagestore.reclaimed_total", "Pages returned to a free list."},
		{&m.CorruptionsCounter, "gojopage.pagestore.corruptions_total", "Corrupted data structures detected."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}

	m.CheckpointBufferPages, err = meter.Int64UpDownCounter(
		"gojopage.checkpoint.buffer_pages",
		metric.WithDescription("Pages held in the checkpoint copy-on-write buffer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.QuarantinedPartitionGauge, err = meter.Int64UpDownCounter(
		"gojopage.pagestore.quarantined_partitions",
		metric.WithDescription("Partitions quarantined after corruption."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointDurationHist, err = meter.Int64Histogram(
		"gojopage.checkpoint.duration",
		metric.WithDescription("Checkpoint duration."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NoopPageMemoryMetrics returns instruments that record nothing.
func NoopPageMemoryMetrics() *PageMemoryMetrics {
	m, _ := NewPageMemoryMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
