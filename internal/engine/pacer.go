package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// Range is an inclusive duration range. Max below Min is treated as Min.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pacing sets the randomized waits between deliveries.
type Pacing struct {
	// Message is the pause between two messages of the same batch.
	Message Range
	// Batch is the pause between batches.
	Batch Range
}

// DefaultPacing returns the production pacing.
func DefaultPacing() Pacing {
	return Pacing{
		Message: Range{Min: 20 * time.Second, Max: 60 * time.Second},
		Batch:   Range{Min: 3 * time.Minute, Max: 6 * time.Minute},
	}
}

// Pacer waits between deliveries. Waits end early when the context is done.
type Pacer struct {
	pacing Pacing
	jitter func(n int64) int64
}

// NewPacer creates a Pacer for p.
func NewPacer(p Pacing) *Pacer {
	return &Pacer{pacing: p, jitter: rand.Int64N}
}

// Before waits ahead of the delivery at index i, using the batch pause at
// batch boundaries and the message pause otherwise. No wait precedes the
// first delivery.
func (p *Pacer) Before(ctx context.Context, i, batchSize int) error {
	switch {
	case i == 0:
		return nil
	case batchSize > 0 && i%batchSize == 0:
		return sleep(ctx, p.pick(p.pacing.Batch))
	default:
		return sleep(ctx, p.pick(p.pacing.Message))
	}
}

func (p *Pacer) pick(r Range) time.Duration {
	if r.Max <= r.Min {
		return max(r.Min, 0)
	}
	return r.Min + time.Duration(p.jitter(int64(r.Max-r.Min)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
