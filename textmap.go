package miniapm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// TextMapWriter allows setting key/value pairs of strings on the underlying
// carrier. It is implemented by outbound request headers and job metadata.
type TextMapWriter interface {
	// Set sets the given key/value pair.
	Set(key, val string)
}

// TextMapReader allows iterating over sets of key/value pairs present in
// the underlying carrier.
type TextMapReader interface {
	// ForeachKey iterates over all keys that exist in the underlying
	// carrier. It takes a callback function which will be called using all
	// key/value pairs as arguments. ForeachKey will return the first error
	// returned by the handler.
	ForeachKey(handler func(key, val string) error) error
}

var (
	// ErrInvalidCarrier is returned when the carrier provided to the
	// propagator does not implement the correct interfaces.
	ErrInvalidCarrier = errors.New("invalid carrier")

	// ErrSpanContextNotFound represents missing information in the given
	// carrier.
	ErrSpanContextNotFound = errors.New("span context not found")

	// ErrSpanContextCorrupted is returned when there was a problem parsing
	// the information found in the carrier.
	ErrSpanContextCorrupted = errors.New("span context corrupted")
)

// TextMapCarrier allows the use of a regular map[string]string as both
// TextMapWriter and TextMapReader, making it compatible with the propagator.
type TextMapCarrier map[string]string

var _ TextMapWriter = (*TextMapCarrier)(nil)
var _ TextMapReader = (*TextMapCarrier)(nil)

// Set implements TextMapWriter.
func (c TextMapCarrier) Set(key, val string) {
	c[key] = val
}

// ForeachKey conforms to the TextMapReader interface.
func (c TextMapCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, v := range c {
		if err := handler(k, v); err != nil {
			return err
		}
	}
	return nil
}

// HTTPHeadersCarrier wraps an http.Header as a carrier.
type HTTPHeadersCarrier http.Header

var _ TextMapWriter = (*HTTPHeadersCarrier)(nil)
var _ TextMapReader = (*HTTPHeadersCarrier)(nil)

// Set implements TextMapWriter.
func (c HTTPHeadersCarrier) Set(key, val string) {
	http.Header(c).Set(key, val)
}

// ForeachKey implements TextMapReader.
func (c HTTPHeadersCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, vals := range c {
		for _, v := range vals {
			if err := handler(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// SpanContext is the propagated position of a request in its trace graph:
// the trace it belongs to, the span to parent on, and the upstream sampling
// decision.
type SpanContext struct {
	TraceID      string
	ParentSpanID string
	Sampled      bool
}

// Propagator implementations should be able to inject and extract
// SpanContexts into an implementation specific carrier.
type Propagator interface {
	// Inject takes the trace and span identity found in ctx and injects it
	// into the given carrier. No current span means no injection.
	Inject(ctx context.Context, carrier interface{}) error

	// Extract returns the SpanContext from the given carrier.
	Extract(carrier interface{}) (*SpanContext, error)
}

const traceparentHeader = "traceparent"

// propagatorW3c injects/extracts span contexts using the W3C traceparent
// header. Only TextMap carriers are supported. Other trace context fields
// such as tracestate are ignored but not rejected.
type propagatorW3c struct{}

// NewW3CPropagator returns a Propagator speaking the W3C trace context
// format, version 00.
func NewW3CPropagator() Propagator {
	return &propagatorW3c{}
}

// Inject writes "00-{trace_id}-{span_id}-{flags}" under the lowercase
// traceparent key. When ctx holds no current span the carrier is left
// unchanged.
func (p *propagatorW3c) Inject(ctx context.Context, carrier interface{}) error {
	writer, ok := carrier.(TextMapWriter)
	if !ok {
		return ErrInvalidCarrier
	}
	span, ok := SpanFromContext(ctx)
	if !ok {
		return nil
	}
	flags := "00"
	if t, ok := TraceFromContext(ctx); ok && t.Sampled {
		flags = "01"
	}
	writer.Set(traceparentHeader, fmt.Sprintf("00-%s-%s-%s", span.TraceID, span.SpanID, flags))
	return nil
}

// Extract looks up the traceparent header under any host-framework casing
// (traceparent, Traceparent, HTTP_TRACEPARENT) and parses it. Any failure
// yields an error; callers treat that as "no incoming context".
func (p *propagatorW3c) Extract(carrier interface{}) (*SpanContext, error) {
	reader, ok := carrier.(TextMapReader)
	if !ok {
		return nil, ErrInvalidCarrier
	}
	var header string
	if err := reader.ForeachKey(func(k, v string) error {
		switch strings.ToLower(k) {
		case traceparentHeader, "http_traceparent":
			header = v
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return parseTraceparent(header)
}

// parseTraceparent parses a `version-traceid-spanid-flags` header. Only
// version 00 is accepted; trace and span IDs must be well-formed lowercase
// hex; flags are a hex byte whose low bit is the sampled flag.
func parseTraceparent(header string) (*SpanContext, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrSpanContextNotFound
	}
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return nil, ErrSpanContextCorrupted
	}
	if parts[0] != "00" {
		return nil, ErrSpanContextCorrupted
	}
	if !ValidTraceID(parts[1]) {
		return nil, ErrSpanContextCorrupted
	}
	if !ValidSpanID(parts[2]) {
		return nil, ErrSpanContextCorrupted
	}
	flags, err := strconv.ParseUint(parts[3], 16, 8)
	if err != nil {
		return nil, ErrSpanContextCorrupted
	}
	return &SpanContext{
		TraceID:      parts[1],
		ParentSpanID: parts[2],
		Sampled:      flags&0x1 != 0,
	}, nil
}
