// Package miniapm is a client for the miniapm collector. It instruments web
// applications and background workers with distributed traces and error
// reports, buffering everything through an asynchronous batch sender so that
// telemetry never blocks the caller's critical path.
//
// A typical setup:
//
//	if err := miniapm.Start(
//		miniapm.WithEndpoint("https://apm.example.com"),
//		miniapm.WithAPIKey(os.Getenv("MINIAPM_API_KEY")),
//		miniapm.WithServiceName("billing"),
//	); err != nil {
//		log.Fatal(err)
//	}
//	defer miniapm.Stop()
package miniapm

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/seuros/miniapm/internal/log"
)

// client bundles everything a started library owns. It is created at Start
// and released at Stop; the package-level API resolves it through one atomic
// pointer.
type client struct {
	cfg       *config
	sampler   RateSampler
	filter    *ParamFilter
	transport *transport
	sender    *sender
	deployExp *deployExporter
}

var (
	startMu sync.Mutex // serializes Start and Stop
	active  atomic.Pointer[client]

	defaultSampler = NewAllSampler()
	defaultFilter  = NewParamFilter()
)

// Start configures and starts the client. It is idempotent: a second call on
// a running client does nothing. A validation failure is fatal to startup
// and returned to the caller. The host application is responsible for
// calling Stop on shutdown so buffered telemetry is flushed.
func Start(opts ...StartOption) error {
	startMu.Lock()
	defer startMu.Unlock()
	if active.Load() != nil {
		return nil
	}
	cfg := new(config)
	defaults(cfg)
	for _, fn := range opts {
		fn(cfg)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.debug {
		log.SetLevel(log.LevelDebug)
	}
	if !cfg.enabled {
		log.Debug("client disabled by configuration; not starting")
		return nil
	}
	trans := newTransport()
	c := &client{
		cfg:       cfg,
		sampler:   NewRateSampler(cfg.sampleRate),
		filter:    NewParamFilter(cfg.filterParameters...),
		transport: trans,
		sender:    newSender(cfg, trans),
		deployExp: &deployExporter{cfg: cfg, transport: trans},
	}
	c.sender.Start()
	active.Store(c)
	log.Debug("started; exporting to %s as %q", cfg.endpoint, cfg.serviceName)
	return nil
}

// Stop flushes and stops the client. Idempotent.
func Stop() {
	startMu.Lock()
	defer startMu.Unlock()
	c := active.Swap(nil)
	if c == nil {
		return
	}
	c.sender.Stop()
	log.Flush()
}

// Enabled reports whether the client is started and exporting.
func Enabled() bool { return active.Load() != nil }

func activeSampler() RateSampler {
	if c := active.Load(); c != nil {
		return c.sampler
	}
	return defaultSampler
}

func activeFilter() *ParamFilter {
	if c := active.Load(); c != nil {
		return c.filter
	}
	return defaultFilter
}

// Instrument runs fn inside a span parented on the context's innermost span,
// finishing and submitting it on every exit path. The error returned by fn
// is recorded on the span and passed through; a panic is recorded and
// re-raised. When the current trace is unsampled, fn runs bare.
func Instrument(ctx context.Context, name string, category Category, attrs map[string]interface{}, fn func(context.Context) error) error {
	if t, ok := TraceFromContext(ctx); ok && !t.Sampled {
		return fn(ctx)
	}
	span, ctx := StartSpanFromContext(ctx, name, category, WithAttributes(attrs))
	defer func() {
		if r := recover(); r != nil {
			span.RecordException(panicError(r))
			span.Finish()
			RecordSpan(span)
			panic(r)
		}
	}()
	err := fn(ctx)
	if err != nil {
		span.RecordException(err)
	}
	span.Finish()
	RecordSpan(span)
	return err
}

// RecordSpan submits a finished span for export. The before_send hook, when
// configured, may mutate or drop it first. No-op when the client is stopped.
func RecordSpan(s *Span) {
	c := active.Load()
	if c == nil || s == nil {
		return
	}
	if fn := c.cfg.beforeSend; fn != nil {
		if s = runBeforeSend(fn, s); s == nil {
			return
		}
	}
	c.sender.EnqueueSpan(s)
}

// runBeforeSend shields the pipeline from a panicking hook: the original
// span proceeds.
func runBeforeSend(fn func(*Span) *Span, s *Span) (out *Span) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("before_send", "panic in before_send hook: %v", r)
			out = s
		}
	}()
	return fn(s)
}

// RecordError submits an error report with the given context. Well-known
// context keys are "request_id", "user_id" and "params"; the rest is carried
// verbatim. Errors whose class is in ignored_exceptions are skipped.
func RecordError(err error, evctx map[string]interface{}) {
	c := active.Load()
	if c == nil || err == nil {
		return
	}
	class := errorClass(err)
	if _, ignored := c.cfg.ignoredExceptions[class]; ignored {
		return
	}
	ev := newErrorEvent(class, err.Error(), captureBacktrace(), evctx, c.filter)
	c.sender.EnqueueError(ev)
}

// RecordErrorEvent submits an already-constructed event, subject to the
// ignored_exceptions list.
func RecordErrorEvent(ev *ErrorEvent) {
	c := active.Load()
	if c == nil || ev == nil {
		return
	}
	if _, ignored := c.cfg.ignoredExceptions[ev.ExceptionClass]; ignored {
		return
	}
	c.sender.EnqueueError(ev)
}

func captureBacktrace() []string {
	return parseGoStack(string(debug.Stack()))
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

// Flush forces out all buffered telemetry and waits up to five seconds for
// the sends to complete.
func Flush() {
	if c := active.Load(); c != nil {
		c.sender.Flush()
	}
}

// Stats returns a snapshot of the sender counters. Zero value when stopped.
func Stats() SenderStats {
	if c := active.Load(); c != nil {
		return c.sender.Stats()
	}
	return SenderStats{}
}

// ResetStats zeroes the sender counters. Intended for test isolation.
func ResetStats() {
	if c := active.Load(); c != nil {
		c.sender.stats.reset()
	}
}

// Healthy probes the collector's health endpoint with the configured
// credentials and reports whether it answered successfully.
func Healthy() bool {
	c := active.Load()
	if c == nil {
		return false
	}
	res := c.transport.post(c.cfg.endpoint+healthPath, nil, c.cfg.authHeaders())
	return res.Success
}

// NotifyDeploy reports a deployment to the collector so dashboards can
// correlate regressions with releases. Returns whether the collector
// accepted it.
func NotifyDeploy(d Deploy) bool {
	c := active.Load()
	if c == nil {
		return false
	}
	res := c.deployExp.Export(d)
	if res == nil {
		return false
	}
	if res.Err != nil {
		log.Warn("deploy notification failed: %v", res.Err)
	}
	return res.Success
}
