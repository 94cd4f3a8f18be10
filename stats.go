package miniapm

import "sync"

// Kind discriminates the payload kinds handled by the batch sender.
type Kind string

const (
	KindSpan  Kind = "span"
	KindError Kind = "error"
)

// KindStats are the per-kind counters exposed by Stats.
type KindStats struct {
	Enqueued uint64
	Sent     uint64
	Dropped  uint64
	Failed   uint64
}

// SenderStats is a point-in-time snapshot of the batch sender counters.
type SenderStats struct {
	Span    KindStats
	Error   KindStats
	Retries uint64
}

// statsCounters guards all sender counters behind a single mutex. Critical
// sections are a handful of increments.
type statsCounters struct {
	mu      sync.Mutex
	span    KindStats
	err     KindStats
	retries uint64
}

func (c *statsCounters) forKind(k Kind) *KindStats {
	if k == KindError {
		return &c.err
	}
	return &c.span
}

func (c *statsCounters) addEnqueued(k Kind) {
	c.mu.Lock()
	c.forKind(k).Enqueued++
	c.mu.Unlock()
}

func (c *statsCounters) addDropped(k Kind) {
	c.mu.Lock()
	c.forKind(k).Dropped++
	c.mu.Unlock()
}

func (c *statsCounters) addSent(k Kind, n int) {
	c.mu.Lock()
	c.forKind(k).Sent += uint64(n)
	c.mu.Unlock()
}

func (c *statsCounters) addFailed(k Kind) {
	c.mu.Lock()
	c.forKind(k).Failed++
	c.mu.Unlock()
}

func (c *statsCounters) addRetry() {
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
}

func (c *statsCounters) snapshot() SenderStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SenderStats{Span: c.span, Error: c.err, Retries: c.retries}
}

func (c *statsCounters) reset() {
	c.mu.Lock()
	c.span = KindStats{}
	c.err = KindStats{}
	c.retries = 0
	c.mu.Unlock()
}
