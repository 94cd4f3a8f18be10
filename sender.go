package miniapm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/seuros/miniapm/internal/log"
)

const (
	defaultConcurrentSends = 4

	// maxRetryAttempts bounds how often a batch is offered to the collector.
	maxRetryAttempts = 3

	// baseRetryDelay is the first backoff interval; it doubles per attempt
	// with 10% jitter.
	baseRetryDelay = 500 * time.Millisecond

	// drainTick paces the batcher loop.
	drainTick = 100 * time.Millisecond

	// stopTimeout bounds how long Stop and Flush wait on background work.
	stopTimeout = 5 * time.Second
)

// batch is one unit of work handed to a send worker. Exactly one of spans
// and events is populated, according to kind. A nil *batch on the dispatch
// channel is the worker shutdown sentinel.
type batch struct {
	kind   Kind
	spans  []*Span
	events []*ErrorEvent
}

func (b *batch) size() int {
	if b.kind == KindError {
		return len(b.events)
	}
	return len(b.spans)
}

// sender owns the asynchronous export pipeline: two capped producer queues,
// a single drain loop cutting batches on size or time, and a bounded pool of
// send workers retrying with exponential backoff. Producers never block; a
// full queue drops the item and counts it.
type sender struct {
	cfg        *config
	spanExp    *otlpExporter
	errorExp   *errorExporter
	stats      statsCounters
	dropWarnRL *rate.Limiter

	mu            sync.Mutex // guards started, pending buffers, lastFlush stamps
	started       bool
	pendingSpans  []*Span
	pendingErrors []*ErrorEvent
	lastSpanFlush time.Time
	lastErrFlush  time.Time

	spanQueue  chan *Span
	errorQueue chan *ErrorEvent
	dispatch   chan *batch
	inFlight   int64 // batches dispatched but not yet fully sent

	stop     chan struct{}
	loopDone chan struct{}
	workerWG sync.WaitGroup
}

func newSender(cfg *config, trans *transport) *sender {
	return &sender{
		cfg:        cfg,
		spanExp:    &otlpExporter{cfg: cfg, transport: trans},
		errorExp:   &errorExporter{cfg: cfg, transport: trans},
		dropWarnRL: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start allocates the queues and spawns the drain loop and worker pool.
// Idempotent; a started sender stays as it is.
func (s *sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.spanQueue = make(chan *Span, s.cfg.maxQueueSize)
	s.errorQueue = make(chan *ErrorEvent, s.cfg.maxQueueSize)
	s.dispatch = make(chan *batch, s.cfg.concurrentSends*4)
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	now := time.Now()
	s.lastSpanFlush = now
	s.lastErrFlush = now
	s.started = true
	go s.loop()
	for i := 0; i < s.cfg.concurrentSends; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}
}

func (s *sender) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// EnqueueSpan offers a finished span to the pipeline. No-op when the sender
// is stopped; a full queue drops the span and increments the drop counter.
func (s *sender) EnqueueSpan(sp *Span) {
	if sp == nil || !s.running() {
		return
	}
	select {
	case s.spanQueue <- sp:
		s.stats.addEnqueued(KindSpan)
	default:
		s.stats.addDropped(KindSpan)
		if s.dropWarnRL.Allow() {
			log.Warn("span queue full (capacity %d); dropping", s.cfg.maxQueueSize)
		}
	}
}

// EnqueueError offers an error event to the pipeline, with the same
// non-blocking drop semantics as EnqueueSpan.
func (s *sender) EnqueueError(ev *ErrorEvent) {
	if ev == nil || !s.running() {
		return
	}
	select {
	case s.errorQueue <- ev:
		s.stats.addEnqueued(KindError)
	default:
		s.stats.addDropped(KindError)
		if s.dropWarnRL.Allow() {
			log.Warn("error queue full (capacity %d); dropping", s.cfg.maxQueueSize)
		}
	}
}

// loop is the single batcher goroutine: every tick it moves queued items
// into the pending buffers and cuts batches that reached batchSize or whose
// flushInterval elapsed. On shutdown it force-drains everything.
func (s *sender) loop() {
	defer close(s.loopDone)
	tick := time.NewTicker(drainTick)
	defer tick.Stop()
	for {
		select {
		case <-s.stop:
			s.dispatchAll(s.collect(true))
			return
		case <-tick.C:
			s.dispatchAll(s.collect(false))
		}
	}
}

// collect implements one batcher pass. force cuts every pending item
// regardless of thresholds, possibly into multiple batches.
func (s *sender) collect(force bool) []*batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*batch
	for {
		b := s.cutSpans(force)
		if b == nil {
			break
		}
		out = append(out, b)
		if !force {
			break
		}
	}
	for {
		b := s.cutErrors(force)
		if b == nil {
			break
		}
		out = append(out, b)
		if !force {
			break
		}
	}
	return out
}

// cutSpans tops up the pending span buffer from the queue and snapshots it
// when due. Caller holds s.mu.
func (s *sender) cutSpans(force bool) *batch {
	for len(s.pendingSpans) < s.cfg.batchSize {
		select {
		case sp := <-s.spanQueue:
			s.pendingSpans = append(s.pendingSpans, sp)
			continue
		default:
		}
		break
	}
	if len(s.pendingSpans) == 0 {
		return nil
	}
	due := force ||
		len(s.pendingSpans) >= s.cfg.batchSize ||
		time.Since(s.lastSpanFlush) >= s.cfg.flushInterval
	if !due {
		return nil
	}
	b := &batch{kind: KindSpan, spans: s.pendingSpans}
	s.pendingSpans = nil
	s.lastSpanFlush = time.Now()
	return b
}

// cutErrors is the error-kind twin of cutSpans. Caller holds s.mu.
func (s *sender) cutErrors(force bool) *batch {
	for len(s.pendingErrors) < s.cfg.batchSize {
		select {
		case ev := <-s.errorQueue:
			s.pendingErrors = append(s.pendingErrors, ev)
			continue
		default:
		}
		break
	}
	if len(s.pendingErrors) == 0 {
		return nil
	}
	due := force ||
		len(s.pendingErrors) >= s.cfg.batchSize ||
		time.Since(s.lastErrFlush) >= s.cfg.flushInterval
	if !due {
		return nil
	}
	b := &batch{kind: KindError, events: s.pendingErrors}
	s.pendingErrors = nil
	s.lastErrFlush = time.Now()
	return b
}

func (s *sender) dispatchAll(batches []*batch) {
	for _, b := range batches {
		atomic.AddInt64(&s.inFlight, 1)
		s.dispatch <- b
	}
}

func (s *sender) worker() {
	defer s.workerWG.Done()
	for b := range s.dispatch {
		if b == nil {
			// shutdown sentinel
			return
		}
		s.sendWithRetry(b)
		atomic.AddInt64(&s.inFlight, -1)
	}
}

// sendWithRetry exports one batch with up to maxRetryAttempts tries. Client
// errors (4xx) are permanent; everything else backs off exponentially with
// jitter. A panic in an exporter is contained here so a worker never takes
// the process down.
func (s *sender) sendWithRetry(b *batch) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("sender", "panic exporting %s batch: %v", b.kind, r)
			ok = false
		}
	}()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseRetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()
	for attempt := 1; ; attempt++ {
		res := s.export(b)
		if res == nil {
			// exports disabled (no API key)
			return true
		}
		if res.Success {
			s.stats.addSent(b.kind, b.size())
			return true
		}
		if res.Status >= 400 && res.Status < 500 {
			s.stats.addFailed(b.kind)
			log.Warn("%s export rejected by collector: status %d %s", b.kind, res.Status, res.Body)
			return false
		}
		if attempt >= maxRetryAttempts {
			s.stats.addFailed(b.kind)
			log.Error("sender", "%s export failed after %d attempts: status %d err %v",
				b.kind, attempt, res.Status, res.Err)
			return false
		}
		s.stats.addRetry()
		time.Sleep(bo.NextBackOff())
	}
}

func (s *sender) export(b *batch) *Result {
	if b.kind == KindError {
		br := s.errorExp.ExportBatch(b.events)
		if br == nil {
			return nil
		}
		return &Result{Status: br.Status, Success: br.Success}
	}
	return s.spanExp.Export(b.spans)
}

// Flush cuts all pending items into batches immediately and waits up to 5s
// for the dispatch channel to drain and in-flight sends to complete.
func (s *sender) Flush() {
	if !s.running() {
		return
	}
	s.dispatchAll(s.collect(true))
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if len(s.dispatch) == 0 && atomic.LoadInt64(&s.inFlight) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Warn("flush timed out with %d batches in flight", atomic.LoadInt64(&s.inFlight))
}

// Stop drains both queues into final batches, dispatches them, then joins
// the drain loop and the workers, waiting at most 5s for each. Idempotent.
func (s *sender) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	select {
	case <-s.loopDone:
	case <-time.After(stopTimeout):
		log.Warn("timed out waiting for the batcher loop to stop")
	}
	for i := 0; i < s.cfg.concurrentSends; i++ {
		select {
		case s.dispatch <- nil:
		case <-time.After(stopTimeout):
		}
	}
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Warn("timed out waiting for send workers to stop")
	}
}

// Stats returns a snapshot of the sender counters.
func (s *sender) Stats() SenderStats { return s.stats.snapshot() }
