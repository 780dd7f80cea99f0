package valkeysync

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/streamplace/atproto-oauth-agent/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

func newSync(t *testing.T) *Sync {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		t.Skip("VALKEY_ADDR not set")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return New(client, Options{Prefix: "test-" + uuid.NewString() + ":"})
}

func TestTryLock(t *testing.T) {
	ctx := context.Background()
	s := newSync(t)

	unlock, ok, err := s.TryLock(ctx, "sweep/sessions")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLock(ctx, "sweep/sessions")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()

	unlock, ok, err = s.TryLock(ctx, "sweep/sessions")
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestNotificationsInvalidateOtherStore(t *testing.T) {
	ctx := context.Background()
	s := newSync(t)
	backend := store.NewMemBackend()

	a := store.New(store.Options{Backend: backend, Notifier: s, Locker: s, SweepDelay: -1})
	defer a.Close()
	b := store.New(store.Options{Backend: backend, Notifier: s, Locker: s, SweepDelay: -1})
	defer b.Close()

	ta, err := store.NewTable[string](a, "sessions", nil)
	require.NoError(t, err)
	tb, err := store.NewTable[string](b, "sessions", nil)
	require.NoError(t, err)

	// give the subscriptions time to register
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, ta.Set(ctx, "k", "v1"))
	v, _, err := tb.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, ta.Set(ctx, "k", "v2"))
	assert.Eventually(t, func() bool {
		v, _, err := tb.Get(ctx, "k")
		return err == nil && v == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReceiveLoopResubscribes(t *testing.T) {
	s := New(nil, Options{MaxBackoff: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var receives atomic.Int32
	receive := func(ctx context.Context) error {
		if receives.Add(1) <= 2 {
			return errors.New("connection reset")
		}
		<-ctx.Done()
		return ctx.Err()
	}

	var mu sync.Mutex
	var sources []string
	fn := func(source string) {
		mu.Lock()
		sources = append(sources, source)
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.receiveLoop(ctx, "sessions", receive, fn)
	}()

	assert.Eventually(t, func() bool { return receives.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// every resubscribe drops the whole cache
	assert.Equal(t, []string{"", ""}, sources)
	assert.EqualValues(t, 3, receives.Load())
}
