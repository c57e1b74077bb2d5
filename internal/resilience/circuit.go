// Package resilience provides failure containment and retry patterns for
// outreach delivery and its external collaborators.
package resilience

import (
	"sync"

	"github.com/rotisserie/eris"
)

// DefaultFailureThreshold is the number of consecutive failures that trips a
// breaker when none is configured.
const DefaultFailureThreshold = 3

// ErrBreakerOpen is returned by Allow once the breaker has tripped.
var ErrBreakerOpen = eris.New("breaker is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Default: 3.
	FailureThreshold int

	// ShouldCount optionally filters which errors count as failures. If nil,
	// every non-nil error counts.
	ShouldCount func(err error) bool

	// OnTrip is called once, when the breaker trips.
	OnTrip func(consecutiveFailures int)
}

// Breaker counts consecutive failures within a single unit of work (one job
// execution) and trips once the threshold is reached. A tripped breaker stays
// open; there is no half-open recovery, the unit of work is expected to stop.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	consecutive int
	total       int
	tripped     bool
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Breaker{cfg: cfg}
}

// Allow returns ErrBreakerOpen once the breaker has tripped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return ErrBreakerOpen
	}
	return nil
}

// Record registers the outcome of one attempt and reports whether the
// breaker is tripped afterwards. A success resets the consecutive count.
func (b *Breaker) Record(err error) bool {
	b.mu.Lock()

	shouldCount := b.cfg.ShouldCount
	if shouldCount == nil {
		shouldCount = func(e error) bool { return e != nil }
	}

	if err == nil || !shouldCount(err) {
		b.consecutive = 0
		tripped := b.tripped
		b.mu.Unlock()
		return tripped
	}

	b.consecutive++
	b.total++
	justTripped := !b.tripped && b.consecutive >= b.cfg.FailureThreshold
	if justTripped {
		b.tripped = true
	}
	consecutive := b.consecutive
	tripped := b.tripped
	b.mu.Unlock()

	if justTripped && b.cfg.OnTrip != nil {
		b.cfg.OnTrip(consecutive)
	}
	return tripped
}

// Counters returns the current consecutive and total failure counts.
func (b *Breaker) Counters() (consecutive, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive, b.total
}

// Threshold returns the configured failure threshold.
func (b *Breaker) Threshold() int {
	return b.cfg.FailureThreshold
}
