package eventbus

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	busMetricsOnce sync.Once
	eventsAppended otelmetric.Int64Counter
	subscribers    otelmetric.Int64UpDownCounter
)

func initBusMetrics() {
	meter := otel.Meter("linsight/eventbus")
	var err error
	eventsAppended, err = meter.Int64Counter(
		"linsight_events_appended_total",
		otelmetric.WithDescription("Events appended to session-version streams"),
	)
	if err != nil {
		log.Printf("eventbus metrics init: linsight_events_appended_total: %v", err)
	}
	subscribers, err = meter.Int64UpDownCounter(
		"linsight_event_subscribers",
		otelmetric.WithDescription("Live event subscriptions"),
	)
	if err != nil {
		log.Printf("eventbus metrics init: linsight_event_subscribers: %v", err)
	}
}

func recordAppend(ctx context.Context, kind Kind) {
	busMetricsOnce.Do(initBusMetrics)
	if eventsAppended == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	eventsAppended.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", string(kind))))
}

func trackSubscriber(ctx context.Context, delta int64) {
	busMetricsOnce.Do(initBusMetrics)
	if subscribers == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subscribers.Add(ctx, delta)
}
