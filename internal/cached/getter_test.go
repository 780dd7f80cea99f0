package cached

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type value struct {
	N     int
	Stale bool
}

type memStore struct {
	mu      sync.Mutex
	m       map[string]value
	failSet error
	deletes int
}

func newMemStore() *memStore {
	return &memStore{m: map[string]value{}}
}

func (s *memStore) Get(_ context.Context, key string) (value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, v value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet != nil {
		return s.failSet
	}
	s.m[key] = v
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.m, key)
	return nil
}

func isStale(_ string, v value) bool {
	return v.Stale
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.m["k"] = value{N: 1, Stale: true}

	var calls atomic.Int32
	g := New(Args[value]{
		Store:   st,
		IsStale: isStale,
		Getter: func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return value{N: stored.N + 1}, nil
		},
	})

	const n = 32
	var wg sync.WaitGroup
	results := make([]value, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = g.Get(ctx, "k", Options{})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for i := range n {
		assert.NoError(t, errs[i])
		assert.Equal(t, value{N: 2}, results[i])
	}
}

func TestStoredValueOptions(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	st := newMemStore()
	g := New(Args[value]{
		Store:   st,
		IsStale: isStale,
		Getter: func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
			calls.Add(1)
			return value{N: 100}, nil
		},
	})

	st.m["fresh"] = value{N: 1}
	v, err := g.Get(ctx, "fresh", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, v.N)
	assert.EqualValues(t, 0, calls.Load())

	st.m["stale"] = value{N: 2, Stale: true}
	v, err = g.Get(ctx, "stale", Options{AllowStale: true})
	require.NoError(t, err)
	assert.Equal(t, 2, v.N)
	assert.EqualValues(t, 0, calls.Load())

	v, err = g.Get(ctx, "fresh", Options{NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, 100, v.N)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, value{N: 100}, st.m["fresh"])
}

func TestGetterSeesMissingStoredValue(t *testing.T) {
	var sawNil bool
	g := New(Args[value]{
		Store: newMemStore(),
		Getter: func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
			sawNil = stored == nil
			return value{}, errors.New("nothing stored")
		},
	})

	_, err := g.Get(context.Background(), "missing", Options{})
	assert.EqualError(t, err, "nothing stored")
	assert.True(t, sawNil)
}

func TestOnStoreError(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("disk full")

	st := newMemStore()
	st.m["k"] = value{N: 1, Stale: true}
	st.failSet = storeErr

	var cleanups []value
	g := New(Args[value]{
		Store:   st,
		IsStale: isStale,
		Getter: func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
			return value{N: 2}, nil
		},
		OnStoreError: func(ctx context.Context, err error, key string, v value) error {
			cleanups = append(cleanups, v)
			return err
		},
	})

	_, err := g.Get(ctx, "k", Options{})
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, []value{{N: 2}}, cleanups)
}

func TestDeleteOnError(t *testing.T) {
	ctx := context.Background()
	terminal := errors.New("revoked")
	transient := errors.New("timeout")

	var next error
	st := newMemStore()
	g := New(Args[value]{
		Store:   st,
		IsStale: isStale,
		Getter: func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
			return value{}, next
		},
		DeleteOnError: func(ctx context.Context, err error, key string, stored value) bool {
			return errors.Is(err, terminal)
		},
	})

	st.m["k"] = value{Stale: true}
	next = transient
	_, err := g.Get(ctx, "k", Options{})
	assert.ErrorIs(t, err, transient)
	_, ok, _ := st.Get(ctx, "k")
	assert.True(t, ok)

	next = terminal
	_, err = g.Get(ctx, "k", Options{})
	assert.ErrorIs(t, err, terminal)
	_, ok, _ = st.Get(ctx, "k")
	assert.False(t, ok)
}

func TestJoinerRetriesAfterFailedFlight(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.m["k"] = value{Stale: true}

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	g := New(Args[value]{
		Store:   st,
		IsStale: isStale,
		Getter: func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-release
				return value{}, errors.New("first attempt failed")
			}
			return value{N: 7}, nil
		},
	})

	var errA error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, errA = g.Get(ctx, "k", Options{})
	}()

	<-started
	var vB value
	var errB error
	doneB := make(chan struct{})
	go func() {
		defer close(doneB)
		vB, errB = g.Get(ctx, "k", Options{})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	<-doneB

	assert.Error(t, errA)
	assert.NoError(t, errB)
	assert.Equal(t, 7, vB.N)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(Args[value]{Store: newMemStore()})
	_, err := g.Get(ctx, "k", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockedGettersShareOneFetch(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.m["k"] = value{N: 1, Stale: true}

	var mu sync.Mutex
	var arrived sync.WaitGroup
	arrived.Add(2)
	lock := func(ctx context.Context, key string) (func(), error) {
		// both getters have seen the stale value before either may fetch
		arrived.Done()
		arrived.Wait()
		mu.Lock()
		return mu.Unlock, nil
	}

	var calls atomic.Int32
	fetch := func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
		calls.Add(1)
		return value{N: stored.N + 1}, nil
	}

	// two getters stand in for two processes sharing one store
	a := New(Args[value]{Store: st, IsStale: isStale, Getter: fetch, Lock: lock})
	b := New(Args[value]{Store: st, IsStale: isStale, Getter: fetch, Lock: lock})

	var wg sync.WaitGroup
	var va, vb value
	var erra, errb error
	wg.Add(2)
	go func() {
		defer wg.Done()
		va, erra = a.Get(ctx, "k", Options{})
	}()
	go func() {
		defer wg.Done()
		vb, errb = b.Get(ctx, "k", Options{})
	}()
	wg.Wait()

	require.NoError(t, erra)
	require.NoError(t, errb)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, value{N: 2}, va)
	assert.Equal(t, value{N: 2}, vb)
}

func TestLockErrorIsReturned(t *testing.T) {
	st := newMemStore()
	st.m["k"] = value{N: 1, Stale: true}

	g := New(Args[value]{
		Store:   st,
		IsStale: isStale,
		Getter: func(ctx context.Context, key string, stored *value, _ Options) (value, error) {
			t.Fatal("fetched without the lock")
			return value{}, nil
		},
		Lock: func(ctx context.Context, key string) (func(), error) {
			return nil, errors.New("lock unavailable")
		},
	})

	_, err := g.Get(context.Background(), "k", Options{})
	assert.EqualError(t, err, "lock unavailable")
}
