package miniapm

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"math"
	"math/big"
	"math/rand"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seuros/miniapm/internal/log"
)

var (
	warnOnce sync.Once
	seedSeq  int64
	randPool = sync.Pool{
		New: func() interface{} {
			var seed int64
			n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(math.MaxInt64))
			if err == nil {
				seed = n.Int64()
			} else {
				warnOnce.Do(func() {
					log.Warn("cannot generate random seed: %v; using current time", err)
				})
				seed = time.Now().UnixNano()
			}
			// seedSeq makes sure we don't create two generators with the same seed
			// by accident.
			return rand.New(rand.NewSource(seed + atomic.AddInt64(&seedSeq, 1)))
		},
	}
)

// NewTraceID returns 16 cryptographically random bytes encoded as 32 lowercase
// hex characters.
func NewTraceID() string { return randomHex(16) }

// NewSpanID returns 8 cryptographically random bytes encoded as 16 lowercase
// hex characters.
func NewSpanID() string { return randomHex(8) }

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := cryptorand.Read(b); err != nil {
		warnOnce.Do(func() {
			log.Warn("cannot read crypto/rand: %v; falling back to seeded PRNG", err)
		})
		r := randPool.Get().(*rand.Rand)
		for i := range b {
			b[i] = byte(r.Intn(256))
		}
		randPool.Put(r)
	}
	return hex.EncodeToString(b)
}

// randFloat64 returns a random float in [0, 1). It's optimized for concurrent
// access.
func randFloat64() float64 {
	r := randPool.Get().(*rand.Rand)
	f := r.Float64()
	randPool.Put(r)
	return f
}

var (
	traceIDRgx = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDRgx  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// ValidTraceID reports whether id is a well-formed 32-character lowercase hex
// trace ID.
func ValidTraceID(id string) bool { return traceIDRgx.MatchString(id) }

// ValidSpanID reports whether id is a well-formed 16-character lowercase hex
// span ID.
func ValidSpanID(id string) bool { return spanIDRgx.MatchString(id) }
