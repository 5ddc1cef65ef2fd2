package retriever

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	retrieverMetricsOnce sync.Once
	partialResults       otelmetric.Int64Counter
)

func recordPartial(ctx context.Context, missing string) {
	retrieverMetricsOnce.Do(func() {
		var err error
		partialResults, err = otel.Meter("linsight/retriever").Int64Counter(
			"linsight_retriever_partial_total",
			otelmetric.WithDescription("Searches answered by one backend because the other failed"),
		)
		if err != nil {
			log.Printf("retriever metrics init: %v", err)
		}
	})
	if partialResults != nil {
		partialResults.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("missing", missing)))
	}
}
