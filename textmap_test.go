package miniapm

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPHeadersCarrierSet(t *testing.T) {
	h := http.Header{}
	c := HTTPHeadersCarrier(h)
	c.Set("A", "x")
	assert.Equal(t, "x", h.Get("A"))
}

func TestTextMapCarrierForeachKey(t *testing.T) {
	got := map[string]string{}
	err := TextMapCarrier{"a": "x", "b": "y"}.ForeachKey(func(k, v string) error {
		got[k] = v
		return nil
	})
	assert := assert.New(t)
	assert.Nil(err)
	assert.Equal(map[string]string{"a": "x", "b": "y"}, got)
}

func TestExtractTraceparent(t *testing.T) {
	p := NewW3CPropagator()
	sc, err := p.Extract(TextMapCarrier{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	require.NoError(t, err)
	assert := assert.New(t)
	assert.Equal("4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID)
	assert.Equal("00f067aa0ba902b7", sc.ParentSpanID)
	assert.True(sc.Sampled)
}

func TestExtractHeaderCasings(t *testing.T) {
	p := NewW3CPropagator()
	value := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00"
	for _, key := range []string{"traceparent", "Traceparent", "HTTP_TRACEPARENT"} {
		sc, err := p.Extract(TextMapCarrier{key: value})
		require.NoError(t, err, "key %s", key)
		assert.False(t, sc.Sampled)
	}
}

func TestExtractFailures(t *testing.T) {
	p := NewW3CPropagator()
	for name, carrier := range map[string]TextMapCarrier{
		"missing":         {},
		"wrong version":   {"traceparent": "01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
		"bad field count": {"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7"},
		"short trace id":  {"traceparent": "00-4bf92f3577b34da6-00f067aa0ba902b7-01"},
		"uppercase":       {"traceparent": "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01"},
		"bad span id":     {"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa-01"},
		"bad flags":       {"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-zz"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Extract(carrier)
			assert.Error(t, err)
		})
	}
}

func TestExtractFlagsByte(t *testing.T) {
	p := NewW3CPropagator()
	// any hex byte with the low bit set means sampled
	sc, err := p.Extract(TextMapCarrier{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-03",
	})
	require.NoError(t, err)
	assert.True(t, sc.Sampled)

	sc, err = p.Extract(TextMapCarrier{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-02",
	})
	require.NoError(t, err)
	assert.False(t, sc.Sampled)
}

func TestInjectTraceparent(t *testing.T) {
	assert := assert.New(t)
	tr := &Trace{TraceID: NewTraceID(), Sampled: true}
	s := NewSpan("op", CategoryHTTPClient, WithTraceID(tr.TraceID))
	ctx := ContextWithSpan(ContextWithTrace(context.Background(), tr), s)

	carrier := TextMapCarrier{}
	require.NoError(t, NewW3CPropagator().Inject(ctx, carrier))
	assert.Equal("00-"+tr.TraceID+"-"+s.SpanID+"-01", carrier["traceparent"])
}

func TestInjectUnsampledFlags(t *testing.T) {
	tr := &Trace{TraceID: NewTraceID(), Sampled: false}
	s := NewSpan("op", CategoryHTTPClient, WithTraceID(tr.TraceID))
	ctx := ContextWithSpan(ContextWithTrace(context.Background(), tr), s)

	carrier := TextMapCarrier{}
	require.NoError(t, NewW3CPropagator().Inject(ctx, carrier))
	assert.Equal(t, "00-"+tr.TraceID+"-"+s.SpanID+"-00", carrier["traceparent"])
}

func TestInjectNoCurrentSpan(t *testing.T) {
	carrier := TextMapCarrier{}
	err := NewW3CPropagator().Inject(context.Background(), carrier)
	assert.NoError(t, err)
	assert.Empty(t, carrier, "carrier untouched without a current span")
}

func TestW3CRoundTrip(t *testing.T) {
	p := NewW3CPropagator()
	for _, sampled := range []bool{true, false} {
		tr := &Trace{TraceID: NewTraceID(), Sampled: sampled}
		s := NewSpan("op", CategoryHTTPClient, WithTraceID(tr.TraceID))
		ctx := ContextWithSpan(ContextWithTrace(context.Background(), tr), s)

		carrier := TextMapCarrier{}
		require.NoError(t, p.Inject(ctx, carrier))
		sc, err := p.Extract(carrier)
		require.NoError(t, err)
		assert.Equal(t, tr.TraceID, sc.TraceID)
		assert.Equal(t, s.SpanID, sc.ParentSpanID)
		assert.Equal(t, sampled, sc.Sampled)
	}
}

func TestInvalidCarrier(t *testing.T) {
	p := NewW3CPropagator()
	_, err := p.Extract("not a carrier")
	assert.Equal(t, ErrInvalidCarrier, err)
	assert.Equal(t, ErrInvalidCarrier, p.Inject(context.Background(), 42))
}
