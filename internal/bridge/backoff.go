package bridge

import "time"

// Default reconnection parameters.
const (
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultOfflinePoll = 5 * time.Second
)

// Backoff computes reconnect delays: base·2^(n−1) for the n-th consecutive
// failed attempt, capped at max. The zero value uses 1 s and 30 s.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before attempt n (1-based). n < 1 is treated as 1.
func (b Backoff) Delay(n int) time.Duration {
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
