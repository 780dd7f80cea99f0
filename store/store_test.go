package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingBackend struct {
	Backend
	mu   sync.Mutex
	gets int
}

func (b *countingBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	b.mu.Lock()
	b.gets++
	b.mu.Unlock()
	return b.Backend.Get(ctx, table, key)
}

func (b *countingBackend) Gets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

func expiresIn(d time.Duration, c *clock) func(string) *time.Time {
	return func(string) *time.Time {
		t := c.Now().Add(d)
		return &t
	}
}

func TestTableExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(1_000_000)}

	s := New(Options{SweepDelay: -1, Now: c.Now})
	defer s.Close()

	tbl, err := NewTable(s, "states", expiresIn(10*time.Minute, c))
	require.NoError(t, err)

	require.NoError(t, tbl.Set(ctx, "abc", "value"))

	v, ok, err := tbl.Get(ctx, "abc")
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("value", v)

	// exactly at expiry is still valid
	c.Add(10 * time.Minute)
	_, ok, err = tbl.Get(ctx, "abc")
	assert.NoError(err)
	assert.True(ok)

	c.Add(time.Millisecond)
	_, ok, err = tbl.Get(ctx, "abc")
	assert.NoError(err)
	assert.False(ok)

	keys, err := tbl.Keys(ctx)
	assert.NoError(err)
	assert.Empty(keys, "expired item is removed on read")
}

func TestTableNoExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(0)}

	s := New(Options{SweepDelay: -1, Now: c.Now})
	defer s.Close()

	tbl, err := NewTable[int](s, "counters", nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Set(ctx, "a", 7))

	c.Add(24 * 365 * time.Hour)
	v, ok, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestTableDelete(t *testing.T) {
	ctx := context.Background()
	s := New(Options{SweepDelay: -1})
	defer s.Close()

	tbl, err := NewTable[string](s, "t", nil)
	require.NoError(t, err)

	require.NoError(t, tbl.Set(ctx, "k", "v"))
	require.NoError(t, tbl.Delete(ctx, "k"))
	require.NoError(t, tbl.Delete(ctx, "k"))

	_, ok, err := tbl.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(5_000)}

	s := New(Options{SweepDelay: -1, Now: c.Now})
	defer s.Close()

	short, err := NewTable(s, "short", expiresIn(time.Second, c))
	require.NoError(t, err)

	require.NoError(t, short.Set(ctx, "a", "1"))
	require.NoError(t, short.Set(ctx, "b", "2"))
	c.Add(2 * time.Second)
	require.NoError(t, short.Set(ctx, "c", "3"))

	n, err := short.Sweep(ctx)
	assert.NoError(err)
	assert.Equal(2, n)

	keys, err := short.Keys(ctx)
	assert.NoError(err)
	assert.Equal([]string{"c"}, keys)
}

func TestBackgroundSweepRunsOnceUnderLock(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(0)}
	backend := NewMemBackend()
	locker := NewMemLocker()

	// seed an already-expired item directly in the backend
	seed := New(Options{Backend: backend, SweepDelay: -1, Now: c.Now})
	tbl, err := NewTable(seed, "nonces", expiresIn(time.Second, c))
	require.NoError(t, err)
	require.NoError(t, tbl.Set(ctx, "origin", "n"))
	require.NoError(t, seed.Close())
	c.Add(time.Minute)

	// another holder has the lock, so this store must not sweep
	unlock, ok, err := locker.TryLock(ctx, "sweep/nonces")
	require.NoError(t, err)
	require.True(t, ok)

	blocked := New(Options{Backend: backend, Locker: locker, SweepDelay: time.Millisecond, Now: c.Now})
	_, err = NewTable(blocked, "nonces", expiresIn(time.Second, c))
	require.NoError(t, err)
	require.NoError(t, blocked.Close())

	keys, err := backend.Keys(ctx, "nonces")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	unlock()

	sweeper := New(Options{Backend: backend, Locker: locker, SweepDelay: time.Millisecond, Now: c.Now})
	defer sweeper.Close()
	_, err = NewTable(sweeper, "nonces", expiresIn(time.Second, c))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		keys, _ := backend.Keys(ctx, "nonces")
		return len(keys) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := New(Options{SweepDelay: -1})
	tbl, err := NewTable[string](s, "t", nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = tbl.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tbl.Set(ctx, "k", "v"), ErrClosed)
	assert.ErrorIs(t, tbl.Delete(ctx, "k"), ErrClosed)
	_, err = tbl.Keys(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = NewTable[string](s, "other", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCrossStoreInvalidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	backend := &countingBackend{Backend: NewMemBackend()}
	bus := NewMemBus()

	a := New(Options{Backend: backend, Notifier: bus, SweepDelay: -1})
	defer a.Close()
	b := New(Options{Backend: backend, Notifier: bus, SweepDelay: -1})
	defer b.Close()

	ta, err := NewTable[string](a, "sessions", nil)
	require.NoError(t, err)
	tb, err := NewTable[string](b, "sessions", nil)
	require.NoError(t, err)

	require.NoError(t, ta.Set(ctx, "did:plc:alice", "v1"))

	v, _, err := tb.Get(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal("v1", v)

	// cached: no further backend read
	before := backend.Gets()
	v, _, err = tb.Get(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal("v1", v)
	assert.Equal(before, backend.Gets())

	require.NoError(t, ta.Set(ctx, "did:plc:alice", "v2"))

	v, _, err = tb.Get(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal("v2", v)

	require.NoError(t, ta.Delete(ctx, "did:plc:alice"))
	_, ok, err := tb.Get(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.False(ok)
}

func TestSealedBackend(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	raw := NewMemBackend()
	sealed, err := NewSealedBackend(raw, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	require.NoError(t, sealed.Put(ctx, "sessions", "did:plc:a", []byte(`{"secret":true}`)))

	ct, err := raw.Get(ctx, "sessions", "did:plc:a")
	require.NoError(t, err)
	assert.NotContains(string(ct), "secret")

	pt, err := sealed.Get(ctx, "sessions", "did:plc:a")
	require.NoError(t, err)
	assert.Equal(`{"secret":true}`, string(pt))

	// moving a record to a different key breaks its binding
	require.NoError(t, raw.Put(ctx, "sessions", "did:plc:b", ct))
	_, err = sealed.Get(ctx, "sessions", "did:plc:b")
	assert.Error(err)

	_, err = sealed.Get(ctx, "sessions", "missing")
	assert.ErrorIs(err, ErrNotFound)

	_, err = NewSealedBackend(raw, []byte("short"))
	assert.Error(err)
}

func TestMemLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemLocker()

	unlock, ok, err := l.TryLock(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock()

	_, ok, err = l.TryLock(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

// hookBackend runs hook once, after the next Get has read the backend but
// before the bytes reach the table.
type hookBackend struct {
	Backend
	once sync.Once
	hook func()
}

func (b *hookBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	v, err := b.Backend.Get(ctx, table, key)
	if b.hook != nil {
		b.once.Do(b.hook)
	}
	return v, err
}

func TestChangeDuringReadIsNotCached(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := NewMemBackend()
	bus := NewMemBus()

	a := New(Options{Backend: mem, Notifier: bus, SweepDelay: -1})
	defer a.Close()
	ta, err := NewTable[string](a, "sessions", nil)
	require.NoError(t, err)
	require.NoError(t, ta.Set(ctx, "did:plc:alice", "v1"))

	hb := &hookBackend{Backend: mem}
	b := New(Options{Backend: hb, Notifier: bus, SweepDelay: -1})
	defer b.Close()
	tb, err := NewTable[string](b, "sessions", nil)
	require.NoError(t, err)

	hb.hook = func() {
		require.NoError(t, ta.Set(ctx, "did:plc:alice", "v2"))
	}

	// this read started before the write and may see the old value
	v, _, err := tb.Get(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal("v1", v)

	// but it must not be kept once the change was announced
	v, _, err = tb.Get(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal("v2", v)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: NewMemBackend()}
	s := New(Options{Backend: backend, SweepDelay: -1})
	defer s.Close()

	tbl, err := NewTable[string](s, "sessions", nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Set(ctx, "k", "v"))

	_, _, err = tbl.Get(ctx, "k")
	require.NoError(t, err)
	before := backend.Gets()

	tbl.Invalidate("k")
	_, _, err = tbl.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, before+1, backend.Gets())
}

func TestLockWaitsForHolder(t *testing.T) {
	ctx := context.Background()
	l := NewMemLocker()

	unlock, ok, err := l.TryLock(ctx, "sessions/did:plc:alice")
	require.NoError(t, err)
	require.True(t, ok)

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := Lock(ctx, l, "sessions/did:plc:alice")
		assert.NoError(t, err)
		acquired <- unlock
	}()

	assert.Never(t, func() bool { return len(acquired) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	unlock()
	select {
	case unlock := <-acquired:
		unlock()
	case <-time.After(time.Second):
		t.Fatal("lock was not handed over")
	}

	hold, ok, err := l.TryLock(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	defer hold()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = Lock(cctx, l, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
