package miniapm

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

// Category classifies the kind of work a span measures. Unknown categories
// are coerced to CategoryInternal at construction time.
type Category string

const (
	CategoryHTTPServer Category = "http_server"
	CategoryHTTPClient Category = "http_client"
	CategoryDB         Category = "db"
	CategoryView       Category = "view"
	CategorySearch     Category = "search"
	CategoryJob        Category = "job"
	CategoryRake       Category = "rake"
	CategoryCache      Category = "cache"
	CategoryInternal   Category = "internal"
)

// OTLP numeric span kinds.
const (
	kindInternal = 1
	kindServer   = 2
	kindClient   = 3
	kindConsumer = 5
)

func (c Category) valid() bool {
	switch c {
	case CategoryHTTPServer, CategoryHTTPClient, CategoryDB, CategoryView,
		CategorySearch, CategoryJob, CategoryRake, CategoryCache, CategoryInternal:
		return true
	}
	return false
}

// Kind returns the OTLP numeric span kind derived from the category.
func (c Category) Kind() int {
	switch c {
	case CategoryHTTPServer:
		return kindServer
	case CategoryHTTPClient, CategoryDB, CategorySearch:
		return kindClient
	case CategoryJob:
		return kindConsumer
	default:
		return kindInternal
	}
}

// Span status codes, matching the OTLP status model.
const (
	StatusUnset = 0
	StatusOK    = 1
	StatusError = 2
)

// Limits enforced at mutation time. Writes past a cap are silently dropped
// or truncated, never reported as failures.
const (
	maxNameLen         = 256
	maxAttributes      = 128
	maxEvents          = 128
	maxEventAttributes = 32
	maxKeyLen          = 128
	maxValueLen        = 4096
	maxArrayElements   = 32
	maxStacktraceLines = 30
)

// Span represents a timed unit of work within a trace. Callers must call
// Finish when a span is complete to stamp its end time, then hand it to
// RecordSpan for export:
//
//	span := miniapm.NewSpan("GET /users", miniapm.CategoryHTTPServer)
//	defer func() { span.Finish(); miniapm.RecordSpan(span) }()
//
// In general, spans should be created with StartSpanFromContext or the
// Instrument helper, which take care of parenting and submission.
type Span struct {
	// TraceID is inherited from the owning trace, 32 lowercase hex characters.
	TraceID string

	// SpanID uniquely identifies this span, 16 lowercase hex characters.
	SpanID string

	// ParentSpanID is empty for root spans.
	ParentSpanID string

	// Name is the name of the operation being measured, such as
	// "GET /users/:id" or "SELECT users".
	Name string

	// Category classifies the operation and determines the OTLP kind.
	Category Category

	// Start is the span start time in nanoseconds since epoch.
	Start int64

	mu         sync.Mutex
	end        int64 // 0 until finished
	attributes map[string]interface{}
	order      []string // attribute keys in insertion order
	events     []spanEvent
	statusCode int
	statusMsg  string
	finished   bool
}

type spanEvent struct {
	name       string
	time       int64
	attributes map[string]interface{}
	order      []string
}

// StartSpanConfig holds the configuration for starting a span.
type StartSpanConfig struct {
	TraceID      string
	ParentSpanID string
	Attributes   map[string]interface{}
	StartTime    time.Time
}

// StartSpanOption is a configuration option for NewSpan.
type StartSpanOption func(*StartSpanConfig)

// WithTraceID places the started span into the trace identified by id.
func WithTraceID(id string) StartSpanOption {
	return func(cfg *StartSpanConfig) {
		cfg.TraceID = id
	}
}

// ChildOf makes the started span a child of the span identified by
// parentSpanID.
func ChildOf(parentSpanID string) StartSpanOption {
	return func(cfg *StartSpanConfig) {
		cfg.ParentSpanID = parentSpanID
	}
}

// WithAttributes sets the given key/value pairs as initial attributes on the
// started span. The usual attribute limits apply.
func WithAttributes(attrs map[string]interface{}) StartSpanOption {
	return func(cfg *StartSpanConfig) {
		if cfg.Attributes == nil {
			cfg.Attributes = make(map[string]interface{}, len(attrs))
		}
		for k, v := range attrs {
			cfg.Attributes[k] = v
		}
	}
}

// StartTime sets a custom time as the start time for the created span. By
// default a span is started using the current time.
func StartTime(t time.Time) StartSpanOption {
	return func(cfg *StartSpanConfig) {
		cfg.StartTime = t
	}
}

// NewSpan returns a started span. A name longer than 256 characters is
// truncated, an unknown category becomes CategoryInternal, a malformed trace
// ID is replaced by a fresh one and a malformed parent ID is dropped.
func NewSpan(name string, category Category, opts ...StartSpanOption) *Span {
	var cfg StartSpanConfig
	for _, fn := range opts {
		fn(&cfg)
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	if !category.valid() {
		category = CategoryInternal
	}
	traceID := cfg.TraceID
	if !ValidTraceID(traceID) {
		traceID = NewTraceID()
	}
	parentID := cfg.ParentSpanID
	if !ValidSpanID(parentID) {
		parentID = ""
	}
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	s := &Span{
		TraceID:      traceID,
		SpanID:       NewSpanID(),
		ParentSpanID: parentID,
		Name:         name,
		Category:     category,
		Start:        start.UnixNano(),
		attributes:   make(map[string]interface{}),
	}
	for _, k := range sortedKeys(cfg.Attributes) {
		s.AddAttribute(k, cfg.Attributes[k])
	}
	return s
}

// StartChild returns a new span in the same trace with s as its parent.
func (s *Span) StartChild(name string, category Category, opts ...StartSpanOption) *Span {
	opts = append(opts[:len(opts):len(opts)], WithTraceID(s.TraceID), ChildOf(s.SpanID))
	return NewSpan(name, category, opts...)
}

// AddAttribute records a key/value pair on the span. Keys are truncated to
// 128 characters and values sanitized per the attribute limits. Once the span
// holds 128 attributes, writes of new keys are silently dropped.
func (s *Span) AddAttribute(key string, value interface{}) {
	if len(key) > maxKeyLen {
		key = key[:maxKeyLen]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if _, ok := s.attributes[key]; !ok {
		if len(s.attributes) >= maxAttributes {
			return
		}
		s.order = append(s.order, key)
	}
	s.attributes[key] = sanitizeValue(value)
}

// AddEvent records a named point-in-time event on the span, stamped with the
// current clock. At most 128 events are kept, each with at most 32 attributes.
func (s *Span) AddEvent(name string, attrs map[string]interface{}) {
	s.addEvent(name, time.Now().UnixNano(), attrs)
}

func (s *Span) addEvent(name string, ts int64, attrs map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || len(s.events) >= maxEvents {
		return
	}
	ev := spanEvent{name: name, time: ts}
	if len(attrs) > 0 {
		ev.attributes = make(map[string]interface{})
		for _, k := range sortedKeys(attrs) {
			if len(ev.attributes) >= maxEventAttributes {
				break
			}
			kk := k
			if len(kk) > maxKeyLen {
				kk = kk[:maxKeyLen]
			}
			if _, ok := ev.attributes[kk]; !ok {
				ev.order = append(ev.order, kk)
			}
			ev.attributes[kk] = sanitizeValue(attrs[k])
		}
	}
	s.events = append(s.events, ev)
}

// RecordException marks the span as errored and records an "exception" event
// carrying the error's type, message and stack trace.
func (s *Span) RecordException(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	stack := stacktraceLines(string(debug.Stack()), maxStacktraceLines)
	s.addEvent("exception", time.Now().UnixNano(), map[string]interface{}{
		"exception.type":       errorClass(err),
		"exception.message":    msg,
		"exception.stacktrace": strings.Join(stack, "\n"),
	})
	s.setStatus(StatusError, truncate(msg, maxValueLen))
}

// SetError marks the span status as ERROR with an optional message.
func (s *Span) SetError(msg string) {
	s.setStatus(StatusError, truncate(msg, maxValueLen))
}

// SetOk marks the span status as OK and clears any status message.
func (s *Span) SetOk() {
	s.setStatus(StatusOK, "")
}

func (s *Span) setStatus(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.statusCode = code
	s.statusMsg = msg
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool { return s.ParentSpanID == "" }

// IsError reports whether the span status is ERROR.
func (s *Span) IsError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode == StatusError
}

// Finish stamps the span end time. This method is idempotent; calling it
// multiple times is safe and doesn't update the span. Once a span has been
// finished, methods that modify it become no-ops.
func (s *Span) Finish() {
	s.finish(time.Now().UnixNano())
}

func (s *Span) finish(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Spans are not locked while being flushed; marking them finished first
	// protects against mutation racing with serialization.
	if s.finished {
		return
	}
	if t < s.Start {
		t = s.Start
	}
	s.end = t
	s.finished = true
}

// Finished reports whether Finish has been called.
func (s *Span) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// EndTime returns the end time in nanoseconds since epoch, or 0 if the span
// is unfinished.
func (s *Span) EndTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Attribute returns the sanitized value stored under key, if any.
func (s *Span) Attribute(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attributes[key]
	return v, ok
}

// String returns a human readable representation of the span. Not for
// production, just debugging.
func (s *Span) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := []string{
		fmt.Sprintf("Name: %s", s.Name),
		fmt.Sprintf("Category: %s", s.Category),
		fmt.Sprintf("TraceID: %s", s.TraceID),
		fmt.Sprintf("SpanID: %s", s.SpanID),
		fmt.Sprintf("ParentSpanID: %s", s.ParentSpanID),
		fmt.Sprintf("Start: %s", time.Unix(0, s.Start)),
		fmt.Sprintf("Status: %d %s", s.statusCode, s.statusMsg),
		"Attributes:",
	}
	for _, k := range s.order {
		lines = append(lines, fmt.Sprintf("\t%s:%v", k, s.attributes[k]))
	}
	return strings.Join(lines, "\n")
}

// sanitizeValue bounds an attribute value: strings are truncated to 4096
// characters, numeric types normalized, arrays capped at 32 sanitized
// elements, and anything else stringified then truncated.
func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return truncate(v, maxValueLen)
	case bool:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		n := rv.Len()
		if n > maxArrayElements {
			n = maxArrayElements
		}
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			out[i] = sanitizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return truncate(fmt.Sprint(value), maxValueLen)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// errorClass derives a stable class name for err, preferring the concrete
// type over the opaque errorString wrapper.
func errorClass(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := t.String()
	if name == "errors.errorString" || name == "fmt.wrapError" {
		return "Error"
	}
	return name
}

func stacktraceLines(stack string, n int) []string {
	lines := strings.Split(strings.TrimRight(stack, "\n"), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return lines
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
