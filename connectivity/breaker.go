package connectivity

import "sync"

// Breaker smooths probe results into a reachability verdict. Starting
// reachable, threshold consecutive failures flip it to unreachable and
// recoverAfter consecutive successes flip it back. A single failed probe
// therefore never flaps the Monitor.
// Thread-safe: all state transitions use a mutex.
type Breaker struct {
	mu           sync.Mutex
	reachable    bool
	failures     int
	successes    int
	threshold    int // failures before marking unreachable
	recoverAfter int // successes before marking reachable again
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the consecutive failure count that marks the
// remote unreachable.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerRecoverAfter sets how many consecutive successes are needed
// to mark the remote reachable again.
func WithBreakerRecoverAfter(n int) BreakerOption {
	return func(b *Breaker) { b.recoverAfter = n }
}

// NewBreaker creates a breaker with defaults: 3 failures to go
// unreachable, 2 successes to recover.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		reachable:    true,
		threshold:    3,
		recoverAfter: 2,
	}
	for _, o := range opts {
		o(b)
	}
	if b.threshold < 1 {
		b.threshold = 1
	}
	if b.recoverAfter < 1 {
		b.recoverAfter = 1
	}
	return b
}

// Record feeds one probe result and returns the resulting verdict.
func (b *Breaker) Record(ok bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.failures = 0
		if !b.reachable {
			b.successes++
			if b.successes >= b.recoverAfter {
				b.flip(true)
			}
		}
		return b.reachable
	}
	b.successes = 0
	if b.reachable {
		b.failures++
		if b.failures >= b.threshold {
			b.flip(false)
		}
	}
	return b.reachable
}

// Reachable returns the current verdict.
func (b *Breaker) Reachable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reachable
}

// flip must be called with mu held.
func (b *Breaker) flip(reachable bool) {
	b.reachable = reachable
	b.failures = 0
	b.successes = 0
}
