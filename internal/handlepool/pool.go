// Package handlepool caches expensive library handles (BLAS, solver and FFT
// contexts) per execution context so that kernel launches can reuse them.
//
// A handle is borrowed for the duration of one kernel launch and returned
// afterwards:
//
//	lease, err := pool.Borrow(key, newHandle)
//	if err != nil {
//		return err
//	}
//	defer lease.Release()
//	// use lease.Handle() ...
//
// Handles are created lazily, never shared between two borrowers and never
// destroyed while on loan. The pool is unbounded per key: a borrower never
// waits for another borrower to return a handle.
package handlepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Factory constructs a new handle. It is called without any pool lock held.
type Factory[H any] func() (H, error)

type idleHandle[H any] struct {
	handle H
	since  time.Time
}

type counters struct {
	created   uint64
	destroyed uint64
	hits      uint64
	misses    uint64
	failures  uint64
	evicted   uint64
}

// Pool is a thread-safe cache of reusable handles keyed by execution
// context. The zero value is not usable; create pools with New.
type Pool[K comparable, H comparable] struct {
	name    string
	destroy func(H) error
	opts    options[K]
	now     func() time.Time

	mu            sync.Mutex
	idle          map[K][]idleHandle[H]
	owners        map[H]K
	loans         map[H]K
	loanCount     map[K]int
	loaned        int
	pending       int
	closed        bool
	drained       chan struct{}
	drainedClosed bool
	stats         counters

	// closeDone is closed once the first Close has finished; closeErr is
	// its result.
	closeDone chan struct{}
	closeErr  error

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a pool. destroy is invoked for every handle the pool tears
// down (eviction or Close); it may be nil when handles need no cleanup.
func New[K comparable, H comparable](name string, destroy func(H) error, opts ...Option[K]) *Pool[K, H] {
	o := options[K]{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[K, H]{
		name:      name,
		destroy:   destroy,
		opts:      o,
		now:       time.Now,
		idle:      make(map[K][]idleHandle[H]),
		owners:    make(map[H]K),
		loans:     make(map[H]K),
		loanCount: make(map[K]int),
		drained:   make(chan struct{}),
		closeDone: make(chan struct{}),
	}

	if o.idleTTL > 0 {
		p.stopSweep = make(chan struct{})
		p.sweepDone = make(chan struct{})
		go p.runSweeper()
	}
	return p
}

// Name returns the name the pool was created with.
func (p *Pool[K, H]) Name() string {
	return p.name
}

// Borrow hands out an idle handle for key, or constructs one with factory
// when none is idle. The returned lease must be released exactly once;
// Lease.Release is safe to defer.
//
// A factory failure is returned as a *ConstructionError and leaves no
// trace in the pool, so a later Borrow retries construction.
func (p *Pool[K, H]) Borrow(key K, factory Factory[H]) (*Lease[K, H], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if h, ok := p.popIdleLocked(key); ok {
		p.loanLocked(key, h)
		p.stats.hits++
		p.mu.Unlock()
		return newLease(p, key, h, true), nil
	}
	p.stats.misses++
	p.pending++
	p.mu.Unlock()

	start := time.Now()
	h, err := p.construct(key, factory)

	p.mu.Lock()
	if err != nil {
		p.pending--
		p.stats.failures++
		p.signalDrainedLocked()
		p.mu.Unlock()
		p.opts.logger.Warn("failed to construct handle",
			zap.String("pool", p.name),
			zap.Any("key", key),
			zap.Error(err))
		return nil, &ConstructionError{Key: key, Err: err}
	}
	if _, dup := p.owners[h]; dup {
		p.pending--
		p.signalDrainedLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w (pool %s, key %v)", ErrDuplicateHandle, p.name, key)
	}
	p.stats.created++
	if p.closed {
		p.mu.Unlock()
		_ = p.destroyHandle(key, h)
		p.mu.Lock()
		p.pending--
		p.signalDrainedLocked()
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.pending--
	p.owners[h] = key
	p.loanLocked(key, h)
	p.mu.Unlock()

	p.opts.logger.Debug("constructed handle",
		zap.String("pool", p.name),
		zap.Any("key", key),
		zap.Duration("duration", time.Since(start)))
	return newLease(p, key, h, false), nil
}

// Do borrows a handle for key, runs fn with it and releases it on every
// exit path, including a panic in fn.
func (p *Pool[K, H]) Do(key K, factory Factory[H], fn func(H) error) error {
	lease, err := p.Borrow(key, factory)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Handle())
}

// Release returns a borrowed handle to the idle set of key. It reports
// ErrNotBorrowed when handle is not currently on loan under key; that is
// a caller bug, and the pool state is left untouched.
func (p *Pool[K, H]) Release(key K, handle H) error {
	p.mu.Lock()
	owner, ok := p.loans[handle]
	if !ok || owner != key {
		p.mu.Unlock()
		return fmt.Errorf("%w (pool %s, key %v)", ErrNotBorrowed, p.name, key)
	}
	delete(p.loans, handle)
	if p.loanCount[key]--; p.loanCount[key] == 0 {
		delete(p.loanCount, key)
	}

	if p.closed {
		// The closer is waiting on loaned; keep it raised until the handle
		// is gone.
		delete(p.owners, handle)
		p.mu.Unlock()
		_ = p.destroyHandle(key, handle)
		p.mu.Lock()
		p.loaned--
		p.signalDrainedLocked()
		p.mu.Unlock()
		return nil
	}

	p.loaned--
	if limit := p.opts.maxIdlePerKey; limit > 0 && len(p.idle[key]) >= limit {
		delete(p.owners, handle)
		p.stats.evicted++
		p.mu.Unlock()
		p.opts.logger.Debug("idle limit reached, destroying handle",
			zap.String("pool", p.name),
			zap.Any("key", key),
			zap.Int("max_idle", limit))
		_ = p.destroyHandle(key, handle)
		return nil
	}
	p.idle[key] = append(p.idle[key], idleHandle[H]{handle: handle, since: p.now()})
	p.mu.Unlock()
	return nil
}

// Sweep destroys idle handles that have not been borrowed within the idle
// TTL and returns how many were destroyed. It is a no-op without a TTL.
func (p *Pool[K, H]) Sweep() int {
	if p.opts.idleTTL <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.opts.idleTTL)

	type victim struct {
		key    K
		handle H
	}
	var victims []victim

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	for key, stack := range p.idle {
		// Stacks grow in release order, so expired handles form a prefix.
		n := 0
		for n < len(stack) && stack[n].since.Before(cutoff) {
			victims = append(victims, victim{key: key, handle: stack[n].handle})
			delete(p.owners, stack[n].handle)
			n++
		}
		switch {
		case n == 0:
		case n == len(stack):
			delete(p.idle, key)
		default:
			p.idle[key] = append([]idleHandle[H](nil), stack[n:]...)
		}
	}
	p.stats.evicted += uint64(len(victims))
	p.mu.Unlock()

	for _, v := range victims {
		_ = p.destroyHandle(v.key, v.handle)
	}
	return len(victims)
}

// Close tears the pool down. Borrow fails with ErrPoolClosed from now on.
// Close waits until every lease has been released or ctx is done, then
// destroys all idle handles. Handles still on loan when ctx expires are
// destroyed by their Release, never while in use.
//
// Concurrent and later calls wait for the first teardown to finish, or for
// their own ctx, and return its result.
func (p *Pool[K, H]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		select {
		case <-p.closeDone:
			return p.closeErr
		case <-ctx.Done():
			return fmt.Errorf("handlepool: waiting for %s to close: %w", p.name, ctx.Err())
		}
	}
	p.closed = true
	p.signalDrainedLocked()
	p.mu.Unlock()

	if p.stopSweep != nil {
		close(p.stopSweep)
		<-p.sweepDone
	}

	var err error
	select {
	case <-p.drained:
	default:
		err = p.waitDrained(ctx)
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[K][]idleHandle[H])
	for _, stack := range idle {
		for _, ih := range stack {
			delete(p.owners, ih.handle)
		}
	}
	p.mu.Unlock()

	destroyed := 0
	for key, stack := range idle {
		for _, ih := range stack {
			err = multierr.Append(err, p.destroyHandle(key, ih.handle))
			destroyed++
		}
	}

	p.opts.logger.Info("handle pool closed",
		zap.String("pool", p.name),
		zap.Int("destroyed", destroyed),
		zap.Error(err))

	p.closeErr = err
	close(p.closeDone)
	return err
}

// waitDrained blocks until no lease or construction is outstanding.
func (p *Pool[K, H]) waitDrained(ctx context.Context) error {
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		outstanding := p.loaned + p.pending
		p.mu.Unlock()
		return fmt.Errorf("handlepool: closing %s with %d handles still on loan: %w", p.name, outstanding, ctx.Err())
	}
}

func (p *Pool[K, H]) construct(key K, factory Factory[H]) (H, error) {
	start := time.Now()
	completed := false
	defer func() {
		if !completed {
			// factory panicked; undo the reservation taken by Borrow.
			p.mu.Lock()
			p.pending--
			p.signalDrainedLocked()
			p.mu.Unlock()
		}
	}()

	h, err := factory()
	completed = true
	if p.opts.onConstruct != nil {
		p.opts.onConstruct(key, time.Since(start), err)
	}
	return h, err
}

func (p *Pool[K, H]) destroyHandle(key K, h H) error {
	var err error
	if p.destroy != nil {
		err = p.destroy(h)
	}
	if p.opts.onDestroy != nil {
		p.opts.onDestroy(key, err)
	}

	p.mu.Lock()
	p.stats.destroyed++
	p.mu.Unlock()

	if err != nil {
		p.opts.logger.Warn("failed to destroy handle",
			zap.String("pool", p.name),
			zap.Any("key", key),
			zap.Error(err))
		return fmt.Errorf("destroy handle for key %v: %w", key, err)
	}
	return nil
}

func (p *Pool[K, H]) popIdleLocked(key K) (H, bool) {
	stack := p.idle[key]
	if len(stack) == 0 {
		var zero H
		return zero, false
	}
	last := len(stack) - 1
	h := stack[last].handle
	stack[last] = idleHandle[H]{}
	if last == 0 {
		delete(p.idle, key)
	} else {
		p.idle[key] = stack[:last]
	}
	return h, true
}

func (p *Pool[K, H]) loanLocked(key K, h H) {
	p.loans[h] = key
	p.loanCount[key]++
	p.loaned++
}

func (p *Pool[K, H]) signalDrainedLocked() {
	if p.closed && !p.drainedClosed && p.loaned == 0 && p.pending == 0 {
		close(p.drained)
		p.drainedClosed = true
	}
}

func (p *Pool[K, H]) runSweeper() {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.opts.logger.Debug("evicted idle handles",
					zap.String("pool", p.name),
					zap.Int("count", n))
			}
		case <-p.stopSweep:
			return
		}
	}
}
