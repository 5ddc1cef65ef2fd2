package tools

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	toolMetricsOnce sync.Once
	toolInvocations otelmetric.Int64Counter
	toolLatency     otelmetric.Float64Histogram
	mcpConnections  otelmetric.Int64UpDownCounter
)

func initToolMetrics() {
	meter := otel.Meter("linsight/tools")
	var err error
	toolInvocations, err = meter.Int64Counter(
		"linsight_tool_invocations_total",
		otelmetric.WithDescription("Tool invocations by tool, provider and outcome"),
	)
	if err != nil {
		log.Printf("tools metrics init: linsight_tool_invocations_total: %v", err)
	}
	toolLatency, err = meter.Float64Histogram(
		"linsight_tool_latency_seconds",
		otelmetric.WithDescription("Tool invocation latency"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("tools metrics init: linsight_tool_latency_seconds: %v", err)
	}
	mcpConnections, err = meter.Int64UpDownCounter(
		"linsight_mcp_connections",
		otelmetric.WithDescription("Open pooled MCP connections"),
	)
	if err != nil {
		log.Printf("tools metrics init: linsight_mcp_connections: %v", err)
	}
}

func recordInvocation(ctx context.Context, tool, provider, outcome string, took time.Duration) {
	toolMetricsOnce.Do(initToolMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	if toolInvocations != nil {
		toolInvocations.Add(ctx, 1, attrs)
	}
	if toolLatency != nil {
		toolLatency.Record(ctx, took.Seconds(), otelmetric.WithAttributes(attribute.String("tool", tool)))
	}
}

func recordPoolSize(ctx context.Context, delta int64) {
	toolMetricsOnce.Do(initToolMetrics)
	if mcpConnections != nil {
		mcpConnections.Add(ctx, delta)
	}
}
