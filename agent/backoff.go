package agent

import "time"

// Backoff is a bounded exponential delay between reconnect attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// DefaultBackoff starts at 500ms and doubles up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}
}

// Next returns the delay before the next attempt and doubles the one after it.
func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Initial
	}
	d := b.next
	if d > b.Max {
		d = b.Max
	}
	b.next = d * 2
	return d
}

// Reset starts the sequence over after a successful connection.
func (b *Backoff) Reset() {
	b.next = 0
}
