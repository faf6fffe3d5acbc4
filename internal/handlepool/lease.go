package handlepool

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Lease is exclusive use of one pooled handle. The handle must not be used
// after Release.
type Lease[K comparable, H comparable] struct {
	pool     *Pool[K, H]
	key      K
	handle   H
	reused   bool
	released atomic.Bool
}

func newLease[K comparable, H comparable](p *Pool[K, H], key K, h H, reused bool) *Lease[K, H] {
	return &Lease[K, H]{pool: p, key: key, handle: h, reused: reused}
}

// Handle returns the borrowed handle.
func (l *Lease[K, H]) Handle() H {
	return l.handle
}

// Key returns the key the handle is bound to.
func (l *Lease[K, H]) Key() K {
	return l.key
}

// Reused reports whether the handle came from the idle set rather than a
// fresh factory call.
func (l *Lease[K, H]) Reused() bool {
	return l.reused
}

// Release returns the handle to the pool. Only the first call has an
// effect.
func (l *Lease[K, H]) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if err := l.pool.Release(l.key, l.handle); err != nil {
		l.pool.opts.logger.Error("lease release rejected",
			zap.String("pool", l.pool.name),
			zap.Any("key", l.key),
			zap.Error(err))
	}
}
