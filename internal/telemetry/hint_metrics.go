package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HintMetrics holds all the metric instruments for the NVMe hint engine.
// A nil *HintMetrics is valid and records nothing.
type HintMetrics struct {
	SubmittedCounter     metric.Int64Counter
	DroppedCounter       metric.Int64Counter
	IssuedCounter        metric.Int64Counter
	FailedCounter        metric.Int64Counter
	SkippedCounter       metric.Int64Counter
	QueueDepthUpDown     metric.Int64UpDownCounter
	CacheLookupCounter   metric.Int64Counter
	ResolveLatency       metric.Float64Histogram
	CommandLatency       metric.Float64Histogram
	ReclaimBatchSizeHist metric.Int64Histogram
}

// NewHintMetrics creates and registers all the metrics for the hint engine.
func NewHintMetrics(meter metric.Meter) (*HintMetrics, error) {
	submitted, err := meter.Int64Counter(
		"nvmehint.hints.submitted_total",
		metric.WithDescription("Hints accepted onto the dispatch queue."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(
		"nvmehint.hints.dropped_total",
		metric.WithDescription("Hints dropped before queueing (disabled, not resident, stopped)."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	issued, err := meter.Int64Counter(
		"nvmehint.device.commands_total",
		metric.WithDescription("Lifecycle commands accepted by the device."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"nvmehint.device.failures_total",
		metric.WithDescription("Lifecycle commands rejected by the device."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter(
		"nvmehint.hints.skipped_total",
		metric.WithDescription("Dequeued hints that never reached the device: unknown sector or unencodable range."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	depth, err := meter.Int64UpDownCounter(
		"nvmehint.queue.depth",
		metric.WithDescription("Hints waiting for a worker."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lookups, err := meter.Int64Counter(
		"nvmehint.cache.lookups_total",
		metric.WithDescription("Sector cache lookups by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	resolveLatency, err := meter.Float64Histogram(
		"nvmehint.extent.resolve.duration",
		metric.WithDescription("Latency of extent resolution on cache miss."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	commandLatency, err := meter.Float64Histogram(
		"nvmehint.device.command.duration",
		metric.WithDescription("Latency of one dataset management command."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram(
		"nvmehint.reclaim.batch_size",
		metric.WithDescription("Sectors returned per reclaim batch."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &HintMetrics{
		SubmittedCounter:     submitted,
		DroppedCounter:       dropped,
		IssuedCounter:        issued,
		FailedCounter:        failed,
		SkippedCounter:       skipped,
		QueueDepthUpDown:     depth,
		CacheLookupCounter:   lookups,
		ResolveLatency:       resolveLatency,
		CommandLatency:       commandLatency,
		ReclaimBatchSizeHist: batchSize,
	}, nil
}

func flagAttr(flag string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("flag", flag))
}

func (m *HintMetrics) Submitted(ctx context.Context, flag string) {
	if m == nil {
		return
	}
	m.SubmittedCounter.Add(ctx, 1, flagAttr(flag))
	m.QueueDepthUpDown.Add(ctx, 1)
}

func (m *HintMetrics) Dequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueueDepthUpDown.Add(ctx, -1)
}

func (m *HintMetrics) Dropped(ctx context.Context, flag, reason string) {
	if m == nil {
		return
	}
	m.DroppedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag", flag),
		attribute.String("reason", reason),
	))
}

func (m *HintMetrics) Skipped(ctx context.Context, flag string) {
	if m == nil {
		return
	}
	m.SkippedCounter.Add(ctx, 1, flagAttr(flag))
}

func (m *HintMetrics) Command(ctx context.Context, flag string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CommandLatency.Record(ctx, float64(d.Microseconds())/1000, flagAttr(flag))
	if err != nil {
		m.FailedCounter.Add(ctx, 1, flagAttr(flag))
		return
	}
	m.IssuedCounter.Add(ctx, 1, flagAttr(flag))
}

func (m *HintMetrics) ReclaimBatch(ctx context.Context, sectors int) {
	if m == nil {
		return
	}
	m.ReclaimBatchSizeHist.Record(ctx, int64(sectors))
}

// ObserveLookup and ObserveResolve let HintMetrics serve as the sector
// cache's metrics sink.
func (m *HintMetrics) ObserveLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *HintMetrics) ObserveResolve(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ResolveLatency.Record(context.Background(), float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("ok", err == nil)))
}
