// Package nethttp provides tracing middleware for net/http servers and
// clients, implementing the miniapm embedding contract: traceparent
// extraction and a root http_server span on the way in, header injection and
// an http_client child span on the way out.
package nethttp

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/seuros/miniapm"
)

var propagator = miniapm.NewW3CPropagator()

// WrapHandler wraps an http.Handler so that every request runs inside a root
// span of category http_server. An incoming unsampled trace passes the
// request through untouched. Panics are recorded as both a span exception
// and an error report, then re-raised to the host.
func WrapHandler(h http.Handler, opts ...Option) http.Handler {
	cfg := newConfig(opts...)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace, parent := incomingTrace(r)
		if !trace.Sampled {
			h.ServeHTTP(w, r)
			return
		}
		ctx := miniapm.ContextWithTrace(r.Context(), trace)
		requestID := requestID(r)
		span, ctx := miniapm.StartSpanFromContext(ctx,
			r.Method+" "+r.URL.Path, miniapm.CategoryHTTPServer,
			miniapm.ChildOf(parent),
			miniapm.WithAttributes(requestAttributes(r, requestID)),
		)
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				err := panicToError(rec)
				span.RecordException(err)
				span.Finish()
				miniapm.RecordSpan(span)
				miniapm.RecordError(err, errorContext(r, requestID, cfg))
				panic(rec)
			}
			span.AddAttribute("http.status_code", ww.status)
			if ww.status >= http.StatusInternalServerError {
				span.SetError(fmt.Sprintf("HTTP %d", ww.status))
			}
			span.Finish()
			miniapm.RecordSpan(span)
		}()
		h.ServeHTTP(ww, r.WithContext(ctx))
	})
}

// incomingTrace continues the trace propagated in the request headers,
// returning the remote parent span ID alongside it, or starts a fresh trace
// when there is none.
func incomingTrace(r *http.Request) (*miniapm.Trace, string) {
	sc, err := propagator.Extract(miniapm.HTTPHeadersCarrier(r.Header))
	if err != nil {
		return miniapm.NewTrace(), ""
	}
	return miniapm.NewTraceFrom(sc), sc.ParentSpanID
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func requestAttributes(r *http.Request, requestID string) map[string]interface{} {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := map[string]interface{}{
		"http.method":     r.Method,
		"http.url":        r.URL.String(),
		"http.scheme":     scheme,
		"http.host":       r.Host,
		"http.target":     r.URL.RequestURI(),
		"http.request_id": requestID,
		"http.client_ip":  clientIP(r),
	}
	if ua := r.UserAgent(); ua != "" {
		attrs["http.user_agent"] = ua
	}
	if names := queryParamNames(r); names != "" {
		attrs["http.query_params"] = names
	}
	return attrs
}

// queryParamNames lists the query parameter names, comma-joined, with all
// values omitted.
func queryParamNames(r *http.Request) string {
	q := r.URL.Query()
	if len(q) == 0 {
		return ""
	}
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func errorContext(r *http.Request, requestID string, cfg *config) map[string]interface{} {
	evctx := map[string]interface{}{
		"request_id": requestID,
		"url":        r.URL.String(),
		"method":     r.Method,
	}
	if cfg.userID != nil {
		if id := cfg.userID(r); id != "" {
			evctx["user_id"] = id
		}
	}
	params := make(map[string]interface{})
	for name, vals := range r.URL.Query() {
		if len(vals) == 1 {
			params[name] = vals[0]
		} else {
			params[name] = toInterfaces(vals)
		}
	}
	if len(params) > 0 {
		evctx["params"] = params
	}
	return evctx
}

func toInterfaces(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func panicToError(rec interface{}) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", rec)
}

// statusWriter remembers the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// roundTripper traces outbound requests as http_client child spans and
// injects the current trace context into the outgoing headers.
type roundTripper struct {
	base http.RoundTripper
}

// WrapRoundTripper returns a RoundTripper which traces all requests sent
// over the given transport. A nil base means http.DefaultTransport.
func WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{base: base}
}

// WrapClient modifies the given client to trace all requests.
func WrapClient(c *http.Client) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	c.Transport = WrapRoundTripper(c.Transport)
	return c
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	t, ok := miniapm.TraceFromContext(ctx)
	if !ok || !t.Sampled {
		return rt.base.RoundTrip(req)
	}
	// Copy the URL so the outgoing request is not modified.
	url := *req.URL
	url.User = nil
	attrs := map[string]interface{}{
		"http.method":   req.Method,
		"http.url":      url.String(),
		"http.host":     url.Host,
		"net.peer.name": url.Hostname(),
	}
	if port, err := strconv.Atoi(url.Port()); err == nil {
		attrs["net.peer.port"] = port
	}
	span, ctx := miniapm.StartSpanFromContext(ctx,
		req.Method+" "+url.Hostname(), miniapm.CategoryHTTPClient,
		miniapm.WithAttributes(attrs),
	)
	defer func() {
		span.Finish()
		miniapm.RecordSpan(span)
	}()
	req = req.Clone(ctx)
	// Injection failures must not break the host request.
	_ = propagator.Inject(ctx, miniapm.HTTPHeadersCarrier(req.Header))
	res, err := rt.base.RoundTrip(req)
	if err != nil {
		span.RecordException(err)
		return res, err
	}
	span.AddAttribute("http.status_code", res.StatusCode)
	if res.StatusCode >= http.StatusBadRequest {
		span.SetError(fmt.Sprintf("HTTP %d", res.StatusCode))
	}
	return res, err
}
