package notify

import (
	"errors"
	"time"
)

// Backoff is the retry schedule for handing an event to a full subscriber inbox.
//
// The first retry waits Initial. Each following wait is the previous one times
// Multiplier. Retrying stops once the next computed wait exceeds Max.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns 100ms, x1.5, capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    100 * time.Millisecond,
		Multiplier: 1.5,
		Max:        30 * time.Second,
	}
}

// Validate reports schedules that would never give up or never retry.
func (b Backoff) Validate() error {
	if b.Initial <= 0 {
		return errors.New("backoff initial delay must be positive")
	}
	if b.Multiplier <= 1 {
		return errors.New("backoff multiplier must be greater than 1")
	}
	if b.Max < b.Initial {
		return errors.New("backoff max must not be below the initial delay")
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based) and whether that
// retry is still within the schedule.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if b.Validate() != nil {
		return 0, false
	}
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if d > float64(b.Max) {
			return 0, false
		}
	}
	return time.Duration(d), true
}

// Schedule lists every wait of the schedule in order.
func (b Backoff) Schedule() []time.Duration {
	var out []time.Duration
	for attempt := 0; ; attempt++ {
		d, ok := b.Delay(attempt)
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

// Total is the longest a single delivery can be retried before giving up.
func (b Backoff) Total() time.Duration {
	var total time.Duration
	for _, d := range b.Schedule() {
		total += d
	}
	return total
}
