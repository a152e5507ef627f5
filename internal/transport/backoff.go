package transport

import (
	"math/rand/v2"
	"time"
)

// Reconnect/retry timing shared by the socket loop, the send retry path,
// and the pending-transaction monitor.
const (
	backoffInitial = time.Second
	backoffCap     = 60 * time.Second
	backoffFloor   = 500 * time.Millisecond
	backoffJitter  = 0.2
)

// Backoff produces bounded exponential delays with ±20% jitter. Attempts are
// never scheduled closer than the floor.
type Backoff struct {
	initial time.Duration
	cap     time.Duration
	floor   time.Duration
	attempt int
}

// NewBackoff returns a backoff with the transport's standard curve:
// 1s initial, 60s cap, 500ms floor.
func NewBackoff() *Backoff {
	return &Backoff{initial: backoffInitial, cap: backoffCap, floor: backoffFloor}
}

// Next returns the delay before the next attempt and advances the curve.
func (b *Backoff) Next() time.Duration {
	d := b.initial
	for i := 0; i < b.attempt && d < b.cap; i++ {
		d *= 2
	}
	if d > b.cap {
		d = b.cap
	}
	b.attempt++

	// ±jitter fraction around the base delay.
	factor := 1 + backoffJitter*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * factor)

	if d < b.floor {
		d = b.floor
	}
	if d > b.cap {
		d = b.cap
	}
	return d
}

// Reset restarts the curve after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}
