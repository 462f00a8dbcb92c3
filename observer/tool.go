package observer

import (
	"context"
	"time"

	loom "github.com/nevindra/loom"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a loom.Tool with OTEL spans and logs. Aggregate tool
// metrics (tool.executions, tool.duration) are recorded by the executor's
// meter, so the wrapper emits none — wrapping a tool adds per-call spans
// and log records without double-counting.
type ObservedTool struct {
	inner loom.Tool
	name  string
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner loom.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, name: inner.Definition().Name, inst: inst}
}

func (o *ObservedTool) Definition() loom.ToolDefinition {
	return o.inner.Definition()
}

func (o *ObservedTool) Execute(ctx context.Context, tc loom.ToolContext, input map[string]any) (loom.Result, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(o.name),
		AttrExecutionID.String(tc.ExecutionID),
		AttrTaskID.String(tc.TaskID),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, tc, input)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.String())),
	)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", o.name),
		otellog.String("tool.status", status),
		otellog.String("execution.id", tc.ExecutionID),
		otellog.String("task.id", tc.TaskID),
		otellog.Int("tool.result_length", len(result.String())),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ loom.Tool = (*ObservedTool)(nil)
