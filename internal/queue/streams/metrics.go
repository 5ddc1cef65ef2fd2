package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	controlPublished  otelmetric.Int64Counter
	controlDropped    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("linsight/queue/streams")
	var err error
	controlPublished, err = meter.Int64Counter(
		"linsight_control_published_total",
		otelmetric.WithDescription("Client control messages appended to version control streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: linsight_control_published_total: %v", err)
	}
	controlDropped, err = meter.Int64Counter(
		"linsight_control_dropped_total",
		otelmetric.WithDescription("Control entries dropped because they could not be decoded or validated"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: linsight_control_dropped_total: %v", err)
	}
}

func recordPublished(ctx context.Context, msgType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if controlPublished == nil {
		return
	}
	controlPublished.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("type", msgType)))
}

func recordDropped(ctx context.Context, stream string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if controlDropped == nil {
		return
	}
	controlDropped.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("stream", stream)))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
