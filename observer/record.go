package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RecordAgentTurn counts one handled chat turn. Safe to call on a nil
// receiver, so callers can run without telemetry configured.
func (i *Instruments) RecordAgentTurn(ctx context.Context, endpoint, inputMode, status string) {
	if i == nil {
		return
	}
	i.AgentTurns.Add(ctx, 1, metric.WithAttributes(
		AttrEndpoint.String(endpoint),
		AttrInputMode.String(inputMode),
		AttrStatus.String(status),
	))
}

// RecordSandboxRun counts one sandbox execution.
func (i *Instruments) RecordSandboxRun(ctx context.Context, provider, queryMode, status string) {
	if i == nil {
		return
	}
	i.SandboxRuns.Add(ctx, 1, metric.WithAttributes(
		AttrSandboxProvider.String(provider),
		AttrQueryMode.String(queryMode),
		AttrStatus.String(status),
	))
}

// RecordHTTPRequest counts one finished HTTP request and records its
// duration.
func (i *Instruments) RecordHTTPRequest(ctx context.Context, method, endpoint, status string, duration time.Duration) {
	if i == nil {
		return
	}
	i.HTTPRequests.Add(ctx, 1, metric.WithAttributes(
		AttrHTTPMethod.String(method),
		AttrEndpoint.String(endpoint),
		AttrHTTPStatus.String(status),
	))
	i.HTTPDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		AttrHTTPMethod.String(method),
		AttrEndpoint.String(endpoint),
	))
}
