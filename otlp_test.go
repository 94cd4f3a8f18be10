package miniapm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToOTLP(t *testing.T) {
	assert := assert.New(t)
	s := NewSpan("GET /a", CategoryHTTPServer)
	s.AddAttribute("http.method", "GET")
	s.AddAttribute("http.status_code", 200)
	s.Finish()

	out := s.ToOTLP()
	assert.Equal(s.TraceID, out["traceId"])
	assert.Equal(s.SpanID, out["spanId"])
	assert.Equal("GET /a", out["name"])
	assert.Equal(2, out["kind"])
	assert.NotContains(out, "parentSpanId")
	assert.NotContains(out, "events")

	status := out["status"].(map[string]interface{})
	assert.Equal(StatusUnset, status["code"])
	assert.NotContains(status, "message")

	attrs := out["attributes"].([]map[string]interface{})
	require.Len(t, attrs, 2)
	byKey := map[string]map[string]interface{}{}
	for _, kv := range attrs {
		byKey[kv["key"].(string)] = kv["value"].(map[string]interface{})
	}
	assert.Equal("GET", byKey["http.method"]["stringValue"])
	assert.Equal("200", byKey["http.status_code"]["intValue"])
}

func TestToOTLPUnfinishedUsesStart(t *testing.T) {
	s := NewSpan("op", CategoryInternal)
	out := s.ToOTLP()
	assert.Equal(t, out["startTimeUnixNano"], out["endTimeUnixNano"])
}

func TestToOTLPParentAndEvents(t *testing.T) {
	assert := assert.New(t)
	root := NewSpan("parent", CategoryHTTPServer)
	s := root.StartChild("child", CategoryDB)
	s.AddEvent("retry", map[string]interface{}{"attempt": 2})
	s.SetError("timeout")
	s.Finish()

	out := s.ToOTLP()
	assert.Equal(root.SpanID, out["parentSpanId"])
	assert.Equal(3, out["kind"])

	status := out["status"].(map[string]interface{})
	assert.Equal(StatusError, status["code"])
	assert.Equal("timeout", status["message"])

	events := out["events"].([]map[string]interface{})
	require.Len(t, events, 1)
	assert.Equal("retry", events[0]["name"])
	assert.NotEmpty(events[0]["timeUnixNano"])
}

func TestOTLPValueEncoding(t *testing.T) {
	for name, tt := range map[string]struct {
		in   interface{}
		want map[string]interface{}
	}{
		"string": {"s", map[string]interface{}{"stringValue": "s"}},
		"int":    {int64(7), map[string]interface{}{"intValue": "7"}},
		"float":  {1.5, map[string]interface{}{"doubleValue": 1.5}},
		"bool":   {true, map[string]interface{}{"boolValue": true}},
		"nil":    {nil, map[string]interface{}{"stringValue": ""}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, otlpValue(tt.in))
		})
	}

	arr := otlpValue([]interface{}{"a", int64(1)})
	values := arr["arrayValue"].(map[string]interface{})["values"].([]map[string]interface{})
	require.Len(t, values, 2)
	assert.Equal(t, "a", values[0]["stringValue"])
	assert.Equal(t, "1", values[1]["intValue"])
}
