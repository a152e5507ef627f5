package wallet

import (
	"context"
	"sync"
)

// Latch hands out the wallet once it becomes ready. Consumers block on Await
// or probe with TryGet; nobody polls.
type Latch struct {
	mu    sync.Mutex
	ready chan struct{}
	w     Wallet
}

// NewLatch returns an unresolved latch.
func NewLatch() *Latch {
	return &Latch{ready: make(chan struct{})}
}

// Resolve publishes the wallet and releases all waiters. Only the first call
// takes effect.
func (l *Latch) Resolve(w Wallet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		return
	}
	l.w = w
	close(l.ready)
}

// Await blocks until the wallet is ready or ctx is cancelled.
func (l *Latch) Await(ctx context.Context) (Wallet, error) {
	select {
	case <-l.ready:
		return l.w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGet returns the wallet if it is already ready.
func (l *Latch) TryGet() (Wallet, bool) {
	select {
	case <-l.ready:
		return l.w, true
	default:
		return nil, false
	}
}
