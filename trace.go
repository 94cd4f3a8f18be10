package miniapm

import "sync"

// Trace identifies one logical end-to-end operation. All spans belonging to
// the same request or job invocation share its TraceID. A Trace is immutable
// after creation; an unsampled trace is never exported.
type Trace struct {
	TraceID string
	Sampled bool
}

// NewTrace returns a fresh Trace. The sampling decision is drawn from the
// configured sample rate.
func NewTrace() *Trace {
	return &Trace{TraceID: NewTraceID(), Sampled: activeSampler().Sampled()}
}

// NewTraceFrom returns a Trace continuing the propagated context sc, honoring
// the upstream sampling decision in both directions. A malformed trace ID
// results in a freshly generated one.
func NewTraceFrom(sc *SpanContext) *Trace {
	if sc == nil {
		return NewTrace()
	}
	id := sc.TraceID
	if !ValidTraceID(id) {
		id = NewTraceID()
	}
	return &Trace{TraceID: id, Sampled: sc.Sampled}
}

// Sampler is the generic interface of any sampler. Must be safe for
// concurrent use.
type Sampler interface {
	// Sampled should return true if the next trace should be sampled.
	Sampled() bool
}

// RateSampler is a sampler implementation which allows setting and getting a
// sample rate. A RateSampler implementation is expected to be safe for
// concurrent use.
type RateSampler interface {
	Sampler

	// Rate should return the current sample rate of the sampler.
	Rate() float64

	// SetRate should set a new sample rate for the RateSampler.
	SetRate(rate float64)
}

// rateSampler samples from a sample rate.
type rateSampler struct {
	sync.RWMutex
	rate float64
}

// NewAllSampler is simply a short-hand for NewRateSampler(1).
func NewAllSampler() RateSampler { return NewRateSampler(1) }

// NewRateSampler returns an initialized RateSampler with its sample rate.
func NewRateSampler(rate float64) RateSampler {
	return &rateSampler{rate: rate}
}

// Rate returns the current rate of the sampler.
func (r *rateSampler) Rate() float64 {
	r.RLock()
	defer r.RUnlock()
	return r.rate
}

// SetRate sets a new sampling rate.
func (r *rateSampler) SetRate(rate float64) {
	r.Lock()
	r.rate = rate
	r.Unlock()
}

// Sampled draws a sampling decision at the configured rate.
func (r *rateSampler) Sampled() bool {
	r.RLock()
	defer r.RUnlock()
	if r.rate >= 1 {
		return true
	}
	return randFloat64() < r.rate
}
