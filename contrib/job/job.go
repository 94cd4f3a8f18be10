// Package job propagates trace context across background-job boundaries via
// three well-known metadata keys on the job payload, and wraps job execution
// in a root span of category job.
package job

import (
	"context"
	"fmt"

	"github.com/seuros/miniapm"
)

// Metadata keys carried on the job payload.
const (
	MetaTraceID      = "_miniapm_trace_id"
	MetaParentSpanID = "_miniapm_parent_span_id"
	MetaSampled      = "_miniapm_sampled"
)

// InjectMeta writes the current trace context of ctx into the job metadata
// map. Without a current span the metadata is left unchanged.
func InjectMeta(ctx context.Context, meta map[string]interface{}) {
	span, ok := miniapm.SpanFromContext(ctx)
	if !ok {
		return
	}
	sampled := false
	if t, ok := miniapm.TraceFromContext(ctx); ok {
		sampled = t.Sampled
	}
	meta[MetaTraceID] = span.TraceID
	meta[MetaParentSpanID] = span.SpanID
	meta[MetaSampled] = sampled
}

// ExtractMeta reads the propagated trace context out of the job metadata.
// Returns nil when the metadata carries none or it is malformed.
func ExtractMeta(meta map[string]interface{}) *miniapm.SpanContext {
	traceID, _ := meta[MetaTraceID].(string)
	if !miniapm.ValidTraceID(traceID) {
		return nil
	}
	sc := &miniapm.SpanContext{TraceID: traceID}
	if parent, ok := meta[MetaParentSpanID].(string); ok && miniapm.ValidSpanID(parent) {
		sc.ParentSpanID = parent
	}
	switch v := meta[MetaSampled].(type) {
	case bool:
		sc.Sampled = v
	case string:
		sc.Sampled = v == "true"
	}
	return sc
}

// WrapPerform runs fn as one job invocation: it continues the trace found in
// meta (or starts a fresh one), wraps fn in a root span of category job
// linked to the propagated parent span, records failures and panics on the
// span, and always finishes and submits it. An unsampled trace runs fn bare.
func WrapPerform(ctx context.Context, meta map[string]interface{}, name string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	trace := miniapm.NewTraceFrom(ExtractMeta(meta))
	if !trace.Sampled {
		return fn(ctx)
	}
	ctx = miniapm.ContextWithTrace(ctx, trace)
	var opts []miniapm.StartSpanOption
	if sc := ExtractMeta(meta); sc != nil && sc.ParentSpanID != "" {
		opts = append(opts, miniapm.ChildOf(sc.ParentSpanID))
	}
	opts = append(opts, miniapm.WithAttributes(map[string]interface{}{"job.name": name}))
	span, ctx := miniapm.StartSpanFromContext(ctx, name, miniapm.CategoryJob, opts...)
	defer func() {
		if rec := recover(); rec != nil {
			span.RecordException(panicToError(rec))
			span.Finish()
			miniapm.RecordSpan(span)
			panic(rec)
		}
	}()
	err := fn(ctx)
	if err != nil {
		span.RecordException(err)
	}
	span.Finish()
	miniapm.RecordSpan(span)
	return err
}

func panicToError(rec interface{}) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", rec)
}
