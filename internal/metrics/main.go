package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Metrics struct {
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	DeviceBytesWrite metric.Int64Counter
	DeviceBytesRead  metric.Int64Counter
	FrameRoundTrip   metric.Int64Histogram
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	meter := meterProvider.Meter("internal.lcloud.metrics")

	hits, err := meter.Int64Counter("lcloud.cache.hits",
		metric.WithDescription("Block cache hits"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get cache hits metric: %w", err)
	}

	misses, err := meter.Int64Counter("lcloud.cache.misses",
		metric.WithDescription("Block cache misses"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get cache misses metric: %w", err)
	}

	written, err := meter.Int64Counter("lcloud.device.bytes.written",
		metric.WithDescription("File bytes placed on a device"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get device bytes written metric: %w", err)
	}

	read, err := meter.Int64Counter("lcloud.device.bytes.read",
		metric.WithDescription("File bytes served from a device block"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get device bytes read metric: %w", err)
	}

	roundTrip, err := meter.Int64Histogram("lcloud.frame.round_trip",
		metric.WithDescription("Controller frame exchange duration"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get frame round trip metric: %w", err)
	}

	return Metrics{
		CacheHits:        hits,
		CacheMisses:      misses,
		DeviceBytesWrite: written,
		DeviceBytesRead:  read,
		FrameRoundTrip:   roundTrip,
	}, nil
}

// Noop returns instruments that record nothing.
func Noop() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// the noop provider never fails
		panic(err)
	}

	return m
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

func DeviceAttr(deviceID uint8) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("device.id", int(deviceID)))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Microseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
