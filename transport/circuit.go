package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const initialBackoff = time.Second

// circuitBreaker stops dialing a broker that keeps refusing connections.
// After threshold consecutive failures it opens for the current backoff, then
// lets one more round through. Each time it opens the backoff doubles, up to
// maxBackoff. A successful connect resets it.
type circuitBreaker struct {
	threshold  int32
	maxBackoff time.Duration
	logger     *slog.Logger
	onChange   func(open bool)

	failures      atomic.Int32
	roundFailures atomic.Int32
	backoff       atomic.Int64
	lastFailure   atomic.Int64
	open          atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

func newCircuitBreaker(threshold int, maxBackoff time.Duration, logger *slog.Logger, onChange func(bool)) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	cb := &circuitBreaker{
		threshold:  int32(threshold),
		maxBackoff: maxBackoff,
		logger:     logger,
		onChange:   onChange,
	}
	cb.backoff.Store(int64(initialBackoff))
	return cb
}

func (cb *circuitBreaker) isOpen() bool {
	return cb.open.Load()
}

func (cb *circuitBreaker) currentBackoff() time.Duration {
	return time.Duration(cb.backoff.Load())
}

func (cb *circuitBreaker) totalFailures() int32 {
	return cb.failures.Load()
}

func (cb *circuitBreaker) lastFailureTime() time.Time {
	n := cb.lastFailure.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// recordFailure counts a failed connect and reports whether it opened the circuit.
func (cb *circuitBreaker) recordFailure() bool {
	total := cb.failures.Add(1)
	cb.lastFailure.Store(time.Now().UnixNano())
	round := cb.roundFailures.Add(1)

	cb.logger.Debug("recorded connect failure", "failures", total, "round_failures", round)

	if round < cb.threshold {
		return false
	}
	if !cb.open.CompareAndSwap(false, true) {
		return false
	}

	wait := cb.currentBackoff()
	next := wait * 2
	if next > cb.maxBackoff {
		next = cb.maxBackoff
	}
	cb.backoff.Store(int64(next))
	cb.roundFailures.Store(0)

	cb.logger.Warn("circuit breaker opened", "failures", round, "backoff", wait)

	cb.mu.Lock()
	if cb.timer != nil {
		cb.timer.Stop()
	}
	cb.timer = time.AfterFunc(wait, cb.halfOpen)
	cb.mu.Unlock()

	if cb.onChange != nil {
		cb.onChange(true)
	}
	return true
}

// halfOpen lets the next round of attempts through. The backoff stays
// doubled until a connect succeeds.
func (cb *circuitBreaker) halfOpen() {
	if !cb.open.CompareAndSwap(true, false) {
		return
	}
	cb.logger.Debug("circuit breaker half-open, allowing connect attempts")
	if cb.onChange != nil {
		cb.onChange(false)
	}
}

func (cb *circuitBreaker) reset() {
	cb.stop()
	cb.failures.Store(0)
	cb.roundFailures.Store(0)
	cb.backoff.Store(int64(initialBackoff))
	cb.lastFailure.Store(0)
	if cb.open.CompareAndSwap(true, false) && cb.onChange != nil {
		cb.onChange(false)
	}
}

func (cb *circuitBreaker) stop() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
}
