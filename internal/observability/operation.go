package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/gezibash/arc-session"

// Operation is one traced and timed piece of storage work.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	began   time.Time
}

// StartOperation opens a span called name. m may be nil, in which case
// only the span and the log line are produced.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return &Operation{ctx: ctx, span: span, metrics: m, name: name, began: time.Now()}, ctx
}

// End closes the span and records the outcome under the ok/error label.
func (o *Operation) End(err error) {
	elapsed := time.Since(o.began)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(o.ctx, "operation failed", "operation", o.name, "error", err, "elapsed", elapsed)
	} else {
		slog.DebugContext(o.ctx, "operation done", "operation", o.name, "elapsed", elapsed)
	}
	o.span.End()

	if o.metrics != nil {
		o.metrics.OperationDuration.WithLabelValues(o.name, outcome).Observe(elapsed.Seconds())
		o.metrics.OperationTotal.WithLabelValues(o.name, outcome).Inc()
	}
}
