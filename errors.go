package miniapm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	maxMessageLen     = 10000
	maxBacktraceLines = 50
	fingerprintLen    = 32
	normalizedMsgLen  = 200
)

// Well-known keys of the caller-supplied error context. Everything else is
// carried verbatim in ErrorEvent.Context.
const (
	ctxKeyRequestID = "request_id"
	ctxKeyUserID    = "user_id"
	ctxKeyParams    = "params"
)

// ErrorEvent is an immutable snapshot of a raised error: normalized message,
// truncated backtrace, a fingerprint grouping "the same" error across varying
// IDs and quoted values, and filtered request parameters.
type ErrorEvent struct {
	ExceptionClass string
	Message        string
	Backtrace      []string
	Fingerprint    string
	Timestamp      time.Time
	RequestID      string
	UserID         string
	Params         map[string]interface{}
	Context        map[string]interface{}
}

// NewErrorEvent builds an ErrorEvent from err, the captured backtrace lines
// and the caller-supplied context. The active configuration's parameter
// filter is applied to evctx["params"].
func NewErrorEvent(err error, backtrace []string, evctx map[string]interface{}) *ErrorEvent {
	return newErrorEvent(errorClass(err), err.Error(), backtrace, evctx, activeFilter())
}

// NewErrorEventWithClass is like NewErrorEvent for callers that carry the
// exception class and message separately, such as middleware translating
// host-framework errors.
func NewErrorEventWithClass(class, message string, backtrace []string, evctx map[string]interface{}) *ErrorEvent {
	return newErrorEvent(class, message, backtrace, evctx, activeFilter())
}

func newErrorEvent(class, message string, backtrace []string, evctx map[string]interface{}, filter *ParamFilter) *ErrorEvent {
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen] + "..."
	}
	if len(backtrace) > maxBacktraceLines {
		backtrace = backtrace[:maxBacktraceLines]
	}
	if backtrace == nil {
		backtrace = []string{}
	}
	e := &ErrorEvent{
		ExceptionClass: class,
		Message:        message,
		Backtrace:      backtrace,
		Fingerprint:    fingerprint(class, message, backtrace),
		Timestamp:      time.Now().UTC(),
	}
	for k, v := range evctx {
		switch k {
		case ctxKeyRequestID:
			e.RequestID = fmt.Sprint(v)
		case ctxKeyUserID:
			e.UserID = fmt.Sprint(v)
		case ctxKeyParams:
			if params, ok := v.(map[string]interface{}); ok {
				e.Params = filter.Filter(params)
			}
		default:
			if e.Context == nil {
				e.Context = make(map[string]interface{})
			}
			e.Context[k] = v
		}
	}
	return e
}

var (
	// Order matters: UUIDs collapse before digit runs, otherwise the digits
	// inside a UUID would be rewritten first.
	uuidRgx         = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	digitsRgx       = regexp.MustCompile(`\d+`)
	singleQuotedRgx = regexp.MustCompile(`'[^']*'`)
	doubleQuotedRgx = regexp.MustCompile(`"[^"]*"`)
)

// fingerprint derives the 32-hex-character grouping key: SHA-256 over the
// exception class, the normalized message and the first application frame.
func fingerprint(class, message string, backtrace []string) string {
	parts := []string{class, normalizeMessage(message)}
	if frame := firstAppFrame(backtrace); frame != "" {
		parts = append(parts, frame)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// normalizeMessage strips the dynamic parts of an error message so that two
// occurrences differing only in IDs or quoted values fingerprint identically.
func normalizeMessage(message string) string {
	m := uuidRgx.ReplaceAllString(message, "UUID")
	m = digitsRgx.ReplaceAllString(m, "N")
	m = singleQuotedRgx.ReplaceAllString(m, "'X'")
	m = doubleQuotedRgx.ReplaceAllString(m, `"X"`)
	return truncate(m, normalizedMsgLen)
}

// firstAppFrame returns the first backtrace entry that looks like
// application code rather than library or runtime internals.
func firstAppFrame(backtrace []string) string {
	for _, frame := range backtrace {
		if strings.HasPrefix(frame, "<") || strings.HasPrefix(frame, "goroutine ") {
			continue
		}
		if strings.Contains(frame, "/gems/") ||
			strings.Contains(frame, "/ruby/") ||
			strings.Contains(frame, "/vendor/") {
			continue
		}
		if goInternalFrame(frame) {
			continue
		}
		return frame
	}
	return ""
}

// parseGoStack converts a runtime stack dump into one "file.go:line (pkg.Func)"
// entry per frame. The goroutine header and the trailing "+0x..." program
// counter offsets vary between runs and are dropped, so the same call path
// always yields the same lines.
func parseGoStack(stack string) []string {
	var frames []string
	fn := ""
	for _, line := range strings.Split(stack, "\n") {
		switch {
		case line == "" || strings.HasPrefix(line, "goroutine "):
			continue
		case strings.HasPrefix(line, "\t"):
			loc := strings.TrimSpace(line)
			if i := strings.IndexByte(loc, ' '); i >= 0 {
				loc = loc[:i]
			}
			if fn != "" {
				loc += " (" + fn + ")"
			}
			frames = append(frames, loc)
			fn = ""
		default:
			fn = strings.TrimPrefix(line, "created by ")
			if i := strings.Index(fn, " in goroutine"); i >= 0 {
				fn = fn[:i]
			}
			if i := strings.IndexByte(fn, '('); i >= 0 {
				fn = fn[:i]
			}
		}
	}
	return frames
}

var goInternalPrefixes = []string{
	"runtime.",
	"runtime/",
	"testing.",
	"github.com/seuros/miniapm.",
	"github.com/seuros/miniapm/",
}

// goInternalFrame reports whether a parsed Go frame belongs to the runtime,
// the test harness or this library itself.
func goInternalFrame(frame string) bool {
	i := strings.LastIndexByte(frame, '(')
	if i < 0 {
		return false
	}
	fn := strings.TrimSuffix(frame[i+1:], ")")
	for _, p := range goInternalPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// ToMap returns the wire representation of the event: only non-absent fields,
// with the timestamp in second-precision ISO-8601 UTC.
func (e *ErrorEvent) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"exception_class": e.ExceptionClass,
		"message":         e.Message,
		"backtrace":       e.Backtrace,
		"fingerprint":     e.Fingerprint,
		"timestamp":       e.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339),
	}
	if e.RequestID != "" {
		m["request_id"] = e.RequestID
	}
	if e.UserID != "" {
		m["user_id"] = e.UserID
	}
	if e.Params != nil {
		m["params"] = e.Params
	}
	if len(e.Context) > 0 {
		m["context"] = e.Context
	}
	return m
}
