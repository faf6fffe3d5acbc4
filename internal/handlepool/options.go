package handlepool

import (
	"time"

	"go.uber.org/zap"
)

type options[K comparable] struct {
	logger        *zap.Logger
	maxIdlePerKey int
	idleTTL       time.Duration
	sweepInterval time.Duration
	onConstruct   func(key K, d time.Duration, err error)
	onDestroy     func(key K, err error)
}

// Option configures a Pool.
type Option[K comparable] func(*options[K])

// WithLogger sets the logger used for construction, eviction and teardown
// events. The default logger discards everything.
func WithLogger[K comparable](logger *zap.Logger) Option[K] {
	return func(o *options[K]) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxIdlePerKey caps the number of idle handles kept per key. Handles
// released while the cap is reached are destroyed. Zero means unbounded.
func WithMaxIdlePerKey[K comparable](n int) Option[K] {
	return func(o *options[K]) {
		if n > 0 {
			o.maxIdlePerKey = n
		}
	}
}

// WithIdleTTL destroys idle handles that have not been borrowed for ttl.
// A background sweeper checks every sweepInterval; when sweepInterval is
// zero it defaults to ttl/2.
func WithIdleTTL[K comparable](ttl, sweepInterval time.Duration) Option[K] {
	return func(o *options[K]) {
		if ttl <= 0 {
			return
		}
		o.idleTTL = ttl
		o.sweepInterval = sweepInterval
		if o.sweepInterval <= 0 {
			o.sweepInterval = ttl / 2
		}
		if o.sweepInterval <= 0 {
			o.sweepInterval = ttl
		}
	}
}

// WithConstructHook registers a callback observing every factory call.
func WithConstructHook[K comparable](fn func(key K, d time.Duration, err error)) Option[K] {
	return func(o *options[K]) {
		o.onConstruct = fn
	}
}

// WithDestroyHook registers a callback observing every deleter call.
func WithDestroyHook[K comparable](fn func(key K, err error)) Option[K] {
	return func(o *options[K]) {
		o.onDestroy = fn
	}
}
