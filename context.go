package miniapm

import "context"

// The active trace and span stack ride on context.Context, which is Go's
// execution-context-local storage: every goroutine chain sees its own copy
// and concurrent requests can never observe each other's spans. The stack is
// copied on push, so a scope handed to a child goroutine stays frozen there.

type scopeKey struct{}

type scope struct {
	trace *Trace
	spans []*Span // bottom to top; top is the innermost active span
}

func scopeOf(ctx context.Context) *scope {
	if ctx == nil {
		return nil
	}
	sc, _ := ctx.Value(scopeKey{}).(*scope)
	return sc
}

// ContextWithTrace returns a copy of ctx with t as the current trace and an
// empty span stack. The previous scope, if any, is untouched and remains
// visible through the original context.
func ContextWithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, scopeKey{}, &scope{trace: t})
}

// TraceFromContext returns the current trace, if one is set on ctx.
func TraceFromContext(ctx context.Context) (*Trace, bool) {
	sc := scopeOf(ctx)
	if sc == nil || sc.trace == nil {
		return nil, false
	}
	return sc.trace, true
}

// ContextWithSpan returns a copy of ctx with s pushed onto the span stack.
// If ctx carries no trace yet, one is synthesized from the span's trace ID.
func ContextWithSpan(ctx context.Context, s *Span) context.Context {
	if s == nil {
		return ctx
	}
	prev := scopeOf(ctx)
	next := &scope{}
	if prev != nil {
		next.trace = prev.trace
		next.spans = append(next.spans, prev.spans...)
	}
	if next.trace == nil {
		next.trace = &Trace{TraceID: s.TraceID, Sampled: true}
	}
	next.spans = append(next.spans, s)
	return context.WithValue(ctx, scopeKey{}, next)
}

// SpanFromContext returns the innermost active span on ctx, if any.
func SpanFromContext(ctx context.Context) (*Span, bool) {
	sc := scopeOf(ctx)
	if sc == nil || len(sc.spans) == 0 {
		return nil, false
	}
	return sc.spans[len(sc.spans)-1], true
}

// PopSpan returns a copy of ctx with the innermost span removed. Callers
// using WithSpan or the context returned by StartSpanFromContext rarely need
// this; keeping the pre-push context around achieves the same thing.
func PopSpan(ctx context.Context) context.Context {
	prev := scopeOf(ctx)
	if prev == nil || len(prev.spans) == 0 {
		return ctx
	}
	next := &scope{trace: prev.trace}
	next.spans = append(next.spans, prev.spans[:len(prev.spans)-1]...)
	return context.WithValue(ctx, scopeKey{}, next)
}

// ClearContext returns a copy of ctx with no trace and no span stack.
func ClearContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, (*scope)(nil))
}

// WithSpan runs fn with s pushed onto the span stack. The stack visible to
// the caller is unchanged on every exit path, including a panic in fn.
func WithSpan(ctx context.Context, s *Span, fn func(context.Context) error) error {
	return fn(ContextWithSpan(ctx, s))
}

// WithTrace runs fn with t as the current trace and a fresh, empty span
// stack. The caller's trace and stack are restored afterwards on every exit
// path.
func WithTrace(ctx context.Context, t *Trace, fn func(context.Context) error) error {
	return fn(ContextWithTrace(ctx, t))
}

// CurrentTraceID returns the trace ID on ctx, or the empty string.
func CurrentTraceID(ctx context.Context) string {
	if t, ok := TraceFromContext(ctx); ok {
		return t.TraceID
	}
	return ""
}

// CurrentSpanID returns the innermost span ID on ctx, or the empty string.
func CurrentSpanID(ctx context.Context) string {
	if s, ok := SpanFromContext(ctx); ok {
		return s.SpanID
	}
	return ""
}

// StartSpanFromContext returns a started span parented on the context's
// innermost span, along with a copy of ctx that has the new span pushed. If
// the context carries no span, the ChildOf option (when given) supplies the
// parent; if it carries no trace either, a fresh sampled trace is created.
func StartSpanFromContext(ctx context.Context, name string, category Category, opts ...StartSpanOption) (*Span, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	// copy opts in case the caller reuses the slice in parallel
	optsLocal := make([]StartSpanOption, len(opts), len(opts)+2)
	copy(optsLocal, opts)
	if parent, ok := SpanFromContext(ctx); ok {
		optsLocal = append(optsLocal, WithTraceID(parent.TraceID), ChildOf(parent.SpanID))
	} else if t, ok := TraceFromContext(ctx); ok {
		optsLocal = append(optsLocal, WithTraceID(t.TraceID))
	} else {
		t := NewTrace()
		ctx = ContextWithTrace(ctx, t)
		optsLocal = append(optsLocal, WithTraceID(t.TraceID))
	}
	s := NewSpan(name, category, optsLocal...)
	return s, ContextWithSpan(ctx, s)
}
