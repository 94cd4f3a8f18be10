package miniapm

import (
	"fmt"
	"strconv"
)

// ToOTLP returns the OTLP-JSON representation of the span, suitable for
// inclusion in a resourceSpans payload. An unfinished span reports its start
// time as its end time.
func (s *Span) ToOTLP() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.end
	if end == 0 {
		end = s.Start
	}
	out := map[string]interface{}{
		"traceId":           s.TraceID,
		"spanId":            s.SpanID,
		"name":              s.Name,
		"kind":              s.Category.Kind(),
		"startTimeUnixNano": strconv.FormatInt(s.Start, 10),
		"endTimeUnixNano":   strconv.FormatInt(end, 10),
		"attributes":        otlpAttributes(s.attributes, s.order),
		"status":            otlpStatus(s.statusCode, s.statusMsg),
	}
	if s.ParentSpanID != "" {
		out["parentSpanId"] = s.ParentSpanID
	}
	if len(s.events) > 0 {
		events := make([]map[string]interface{}, len(s.events))
		for i, ev := range s.events {
			events[i] = map[string]interface{}{
				"name":         ev.name,
				"timeUnixNano": strconv.FormatInt(ev.time, 10),
				"attributes":   otlpAttributes(ev.attributes, ev.order),
			}
		}
		out["events"] = events
	}
	return out
}

func otlpStatus(code int, msg string) map[string]interface{} {
	status := map[string]interface{}{"code": code}
	if msg != "" {
		status["message"] = msg
	}
	return status
}

// otlpAttributes renders attributes as the OTLP list of {key, value} pairs,
// preserving insertion order.
func otlpAttributes(attrs map[string]interface{}, order []string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(attrs))
	for _, k := range order {
		v, ok := attrs[k]
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{"key": k, "value": otlpValue(v)})
	}
	return out
}

// otlpValue wraps a sanitized attribute value in its OTLP AnyValue encoding.
func otlpValue(value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case nil:
		return map[string]interface{}{"stringValue": ""}
	case string:
		return map[string]interface{}{"stringValue": v}
	case bool:
		return map[string]interface{}{"boolValue": v}
	case int64:
		return map[string]interface{}{"intValue": strconv.FormatInt(v, 10)}
	case float64:
		return map[string]interface{}{"doubleValue": v}
	case []interface{}:
		values := make([]map[string]interface{}, len(v))
		for i, el := range v {
			values[i] = otlpValue(el)
		}
		return map[string]interface{}{"arrayValue": map[string]interface{}{"values": values}}
	default:
		return map[string]interface{}{"stringValue": truncate(fmt.Sprint(v), maxValueLen)}
	}
}

func stringValue(s string) map[string]interface{} {
	return map[string]interface{}{"stringValue": s}
}
