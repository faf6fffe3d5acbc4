package handlepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKey struct {
	device int
	stream uintptr
}

type fakeHandle struct {
	id        int64
	key       testKey
	inUse     atomic.Bool
	destroyed atomic.Bool
}

type fakeLibrary struct {
	nextID  atomic.Int64
	created atomic.Int64
}

func (l *fakeLibrary) factory(key testKey) Factory[*fakeHandle] {
	return func() (*fakeHandle, error) {
		l.created.Add(1)
		return &fakeHandle{id: l.nextID.Add(1), key: key}, nil
	}
}

func destroyFake(h *fakeHandle) error {
	if !h.destroyed.CompareAndSwap(false, true) {
		return fmt.Errorf("handle %d destroyed twice", h.id)
	}
	if h.inUse.Load() {
		return fmt.Errorf("handle %d destroyed while in use", h.id)
	}
	return nil
}

func newTestPool(opts ...Option[testKey]) *Pool[testKey, *fakeHandle] {
	return New[testKey, *fakeHandle]("test", destroyFake, opts...)
}

func TestPool_Reuse(t *testing.T) {
	pool := newTestPool()
	lib := &fakeLibrary{}
	key := testKey{device: 0, stream: 1}

	first, err := pool.Borrow(key, lib.factory(key))
	require.NoError(t, err)
	assert.False(t, first.Reused())
	h := first.Handle()
	first.Release()

	second, err := pool.Borrow(key, lib.factory(key))
	require.NoError(t, err)
	defer second.Release()

	assert.True(t, second.Reused())
	assert.Same(t, h, second.Handle())
	assert.Equal(t, int64(1), lib.created.Load(), "factory should run once across both borrows")
}

func TestPool_IsolationAcrossKeys(t *testing.T) {
	pool := newTestPool()
	lib := &fakeLibrary{}
	keys := []testKey{{0, 1}, {0, 2}, {1, 1}}

	// Seed every key with an idle handle.
	for _, key := range keys {
		lease, err := pool.Borrow(key, lib.factory(key))
		require.NoError(t, err)
		lease.Release()
	}

	for i := 0; i < 10; i++ {
		for _, key := range keys {
			lease, err := pool.Borrow(key, lib.factory(key))
			require.NoError(t, err)
			assert.Equal(t, key, lease.Handle().key, "handle borrowed under %v belongs to %v", key, lease.Handle().key)
			assert.Equal(t, key, lease.Key())
			lease.Release()
		}
	}
	assert.Equal(t, int64(len(keys)), lib.created.Load())
}

func TestPool_ConcurrentBorrowersGetDistinctHandles(t *testing.T) {
	const borrowers = 32
	pool := newTestPool()
	lib := &fakeLibrary{}
	key := testKey{device: 0, stream: 7}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles = make(map[*fakeHandle]struct{})
		leases  = make([]*Lease[testKey, *fakeHandle], 0, borrowers)
		start   = make(chan struct{})
	)
	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lease, err := pool.Borrow(key, lib.factory(key))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			handles[lease.Handle()] = struct{}{}
			leases = append(leases, lease)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, handles, borrowers, "every concurrent borrower must hold a distinct handle")
	assert.Equal(t, int64(borrowers), lib.created.Load())

	idle, onLoan := pool.KeyStats(key)
	assert.Equal(t, 0, idle)
	assert.Equal(t, borrowers, onLoan)

	for _, lease := range leases {
		lease.Release()
	}
	idle, onLoan = pool.KeyStats(key)
	assert.Equal(t, borrowers, idle)
	assert.Equal(t, 0, onLoan)
}

func TestPool_ConstructionFailure(t *testing.T) {
	pool := newTestPool()
	key := testKey{device: 0, stream: 3}
	allocErr := errors.New("out of device memory")

	lease, err := pool.Borrow(key, func() (*fakeHandle, error) {
		return nil, allocErr
	})
	require.Error(t, err)
	assert.Nil(t, lease)
	assert.ErrorIs(t, err, allocErr)

	var constructionErr *ConstructionError
	require.ErrorAs(t, err, &constructionErr)
	assert.Equal(t, key, constructionErr.Key)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Live(), "failed construction must not leave an entry behind")
	assert.Equal(t, 0, stats.Keys)
	assert.Equal(t, uint64(1), stats.ConstructionFailures)

	lib := &fakeLibrary{}
	lease, err = pool.Borrow(key, lib.factory(key))
	require.NoError(t, err)
	assert.False(t, lease.Reused())
	lease.Release()

	stats = pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.OnLoan)
	assert.Equal(t, uint64(1), stats.Created)
}

func TestPool_SlowFactoryDoesNotBlockOtherKeys(t *testing.T) {
	pool := newTestPool()
	lib := &fakeLibrary{}
	slowKey := testKey{device: 1, stream: 1}
	fastKey := testKey{device: 0, stream: 1}

	entered := make(chan struct{})
	unblock := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		lease, err := pool.Borrow(slowKey, func() (*fakeHandle, error) {
			close(entered)
			<-unblock
			return lib.factory(slowKey)()
		})
		if err == nil {
			lease.Release()
		}
		slowDone <- err
	}()
	<-entered

	fastDone := make(chan error, 1)
	go func() {
		lease, err := pool.Borrow(fastKey, lib.factory(fastKey))
		if err == nil {
			lease.Release()
		}
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("borrow for an unrelated key blocked on a slow factory")
	}

	select {
	case <-slowDone:
		t.Fatal("slow factory finished before it was unblocked")
	default:
	}

	close(unblock)
	require.NoError(t, <-slowDone)
}

func TestPool_SameKeyMissesConstructIndependently(t *testing.T) {
	pool := newTestPool()
	lib := &fakeLibrary{}
	key := testKey{device: 0, stream: 9}

	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	factory := func() (*fakeHandle, error) {
		entered.Done()
		<-release
		return lib.factory(key)()
	}

	results := make(chan *Lease[testKey, *fakeHandle], 2)
	for i := 0; i < 2; i++ {
		go func() {
			lease, err := pool.Borrow(key, factory)
			assert.NoError(t, err)
			results <- lease
		}()
	}

	// Both factories run at the same time; the pool does not serialize them.
	entered.Wait()
	close(release)

	a, b := <-results, <-results
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotSame(t, a.Handle(), b.Handle())
	a.Release()
	b.Release()

	idle, _ := pool.KeyStats(key)
	assert.Equal(t, 2, idle, "both constructed handles become pool members")
}

func TestPool_NoDoubleHandOutAfterRelease(t *testing.T) {
	const (
		workers    = 16
		iterations = 500
	)
	pool := newTestPool()
	lib := &fakeLibrary{}
	keys := []testKey{{0, 1}, {0, 2}}

	var violations atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := keys[w%len(keys)]
			for i := 0; i < iterations; i++ {
				lease, err := pool.Borrow(key, lib.factory(key))
				if !assert.NoError(t, err) {
					return
				}
				h := lease.Handle()
				if !h.inUse.CompareAndSwap(false, true) {
					violations.Add(1)
				}
				if h.key != key {
					violations.Add(1)
				}
				h.inUse.Store(false)
				lease.Release()
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	stats := pool.Stats()
	assert.Equal(t, 0, stats.OnLoan)
	assert.LessOrEqual(t, stats.Created, uint64(workers))
	assert.Equal(t, uint64(workers*iterations), stats.Hits+stats.Misses)

	require.NoError(t, pool.Close(context.Background()))
}

func TestPool_ReleasePreconditions(t *testing.T) {
	pool := newTestPool()
	lib := &fakeLibrary{}
	key := testKey{device: 0, stream: 1}
	other := testKey{device: 0, stream: 2}

	t.Run("never borrowed", func(t *testing.T) {
		err := pool.Release(key, &fakeHandle{id: 99})
		assert.ErrorIs(t, err, ErrNotBorrowed)
	})

	t.Run("wrong key", func(t *testing.T) {
		lease, err := pool.Borrow(key, lib.factory(key))
		require.NoError(t, err)

		err = pool.Release(other, lease.Handle())
		assert.ErrorIs(t, err, ErrNotBorrowed)

		_, onLoan := pool.KeyStats(key)
		assert.Equal(t, 1, onLoan, "rejected release must not change pool state")
		lease.Release()
	})

	t.Run("double release", func(t *testing.T) {
		lease, err := pool.Borrow(key, lib.factory(key))
		require.NoError(t, err)

		require.NoError(t, pool.Release(key, lease.Handle()))
		assert.ErrorIs(t, pool.Release(key, lease.Handle()), ErrNotBorrowed)
	})
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	pool := newTestPool()
	lib := &fakeLibrary{}
	key := testKey{device: 0, stream: 1}

	lease, err := pool.Borrow(key, lib.factory(key))
	require.NoError(t, err)

	lease.Release()
	lease.Release()

	idle, onLoan := pool.KeyStats(key)
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, onLoan)
}

func TestPool_Do(t *testing.T) {
	key := testKey{device: 0, stream: 1}

	t.Run("releases after success", func(t *testing.T) {
		pool := newTestPool()
		lib := &fakeLibrary{}
		err := pool.Do(key, lib.factory(key), func(h *fakeHandle) error {
			_, onLoan := pool.KeyStats(key)
			assert.Equal(t, 1, onLoan)
			return nil
		})
		require.NoError(t, err)
		idle, onLoan := pool.KeyStats(key)
		assert.Equal(t, 1, idle)
		assert.Equal(t, 0, onLoan)
	})

	t.Run("releases after kernel error", func(t *testing.T) {
		pool := newTestPool()
		lib := &fakeLibrary{}
		kernelErr := errors.New("kernel launch failed")
		err := pool.Do(key, lib.factory(key), func(h *fakeHandle) error {
			return kernelErr
		})
		assert.ErrorIs(t, err, kernelErr)
		idle, onLoan := pool.KeyStats(key)
		assert.Equal(t, 1, idle)
		assert.Equal(t, 0, onLoan)
	})

	t.Run("releases after panic", func(t *testing.T) {
		pool := newTestPool()
		lib := &fakeLibrary{}
		assert.Panics(t, func() {
			_ = pool.Do(key, lib.factory(key), func(h *fakeHandle) error {
				panic("boom")
			})
		})
		idle, onLoan := pool.KeyStats(key)
		assert.Equal(t, 1, idle)
		assert.Equal(t, 0, onLoan)
	})

	t.Run("construction error", func(t *testing.T) {
		pool := newTestPool()
		called := false
		err := pool.Do(key, func() (*fakeHandle, error) {
			return nil, errors.New("no device")
		}, func(h *fakeHandle) error {
			called = true
			return nil
		})
		var constructionErr *ConstructionError
		assert.ErrorAs(t, err, &constructionErr)
		assert.False(t, called)
	})
}

func TestPool_FactoryPanicRollsBack(t *testing.T) {
	pool := newTestPool()
	key := testKey{device: 0, stream: 1}

	assert.Panics(t, func() {
		_, _ = pool.Borrow(key, func() (*fakeHandle, error) {
			panic("driver crashed")
		})
	})
	assert.Equal(t, 0, pool.Stats().Constructing)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, pool.Close(ctx), "a panicked factory must not hold up teardown")
}

func TestPool_DuplicateHandle(t *testing.T) {
	pool := newTestPool()
	key := testKey{device: 0, stream: 1}
	shared := &fakeHandle{id: 1, key: key}
	factory := func() (*fakeHandle, error) { return shared, nil }

	lease, err := pool.Borrow(key, factory)
	require.NoError(t, err)
	defer lease.Release()

	_, err = pool.Borrow(key, factory)
	assert.ErrorIs(t, err, ErrDuplicateHandle)
	assert.Equal(t, 1, pool.Stats().OnLoan)
}

func TestPool_Hooks(t *testing.T) {
	var constructed, failed, destroyed atomic.Int64
	pool := newTestPool(
		WithConstructHook(func(key testKey, d time.Duration, err error) {
			if err != nil {
				failed.Add(1)
				return
			}
			constructed.Add(1)
		}),
		WithDestroyHook(func(key testKey, err error) {
			destroyed.Add(1)
		}),
	)
	lib := &fakeLibrary{}
	key := testKey{device: 0, stream: 1}

	lease, err := pool.Borrow(key, lib.factory(key))
	require.NoError(t, err)
	lease.Release()
	lease, err = pool.Borrow(key, func() (*fakeHandle, error) { return nil, errors.New("nope") })
	require.NoError(t, err, "idle handle should satisfy the borrow without calling the factory")
	lease.Release()

	_, err = pool.Borrow(testKey{device: 1}, func() (*fakeHandle, error) { return nil, errors.New("nope") })
	require.Error(t, err)

	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, int64(1), constructed.Load())
	assert.Equal(t, int64(1), failed.Load())
	assert.Equal(t, int64(1), destroyed.Load())
}

func TestPool_Stats(t *testing.T) {
	pool := newTestPool()
	lib := &fakeLibrary{}
	a := testKey{device: 0, stream: 1}
	b := testKey{device: 0, stream: 2}

	la, err := pool.Borrow(a, lib.factory(a))
	require.NoError(t, err)
	lb, err := pool.Borrow(b, lib.factory(b))
	require.NoError(t, err)
	la.Release()

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Keys)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.OnLoan)
	assert.Equal(t, 2, stats.Live())
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, "test", pool.Name())

	lb.Release()
	la, err = pool.Borrow(a, lib.factory(a))
	require.NoError(t, err)
	la.Release()
	assert.Equal(t, uint64(1), pool.Stats().Hits)
}
