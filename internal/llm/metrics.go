package llm

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	llmMetricsOnce sync.Once
	llmTokens      otelmetric.Int64Counter
)

func recordUsage(ctx context.Context, u Usage) {
	llmMetricsOnce.Do(func() {
		var err error
		llmTokens, err = otel.Meter("linsight/llm").Int64Counter(
			"linsight_llm_tokens_total",
			otelmetric.WithDescription("Tokens spent on chat completions"),
		)
		if err != nil {
			log.Printf("llm metrics init: %v", err)
		}
	})
	if llmTokens == nil {
		return
	}
	llmTokens.Add(ctx, u.PromptTokens, otelmetric.WithAttributes(attribute.String("kind", "prompt")))
	llmTokens.Add(ctx, u.CompletionTokens, otelmetric.WithAttributes(attribute.String("kind", "completion")))
}
