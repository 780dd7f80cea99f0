package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const DefaultSweepDelay = 10 * time.Second

type Options struct {
	Backend  Backend
	Locker   Locker
	Notifier Notifier

	// SweepDelay is how long the sweep lock holder waits before purging
	// expired items. Negative disables the background sweep.
	SweepDelay time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Store is one process's handle on a shared backend. Tables registered on it
// share its lifecycle.
type Store struct {
	backend  Backend
	locker   Locker
	notifier Notifier
	delay    time.Duration
	now      func() time.Time
	logger   *slog.Logger

	id     string
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancels []func()
}

func New(opts Options) *Store {
	if opts.Backend == nil {
		opts.Backend = NewMemBackend()
	}
	if opts.Locker == nil {
		opts.Locker = NewMemLocker()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewMemBus()
	}
	if opts.SweepDelay == 0 {
		opts.SweepDelay = DefaultSweepDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		backend:  opts.Backend,
		locker:   opts.Locker,
		notifier: opts.Notifier,
		delay:    opts.SweepDelay,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "store"),
		id:       uuid.NewString(),
		done:     make(chan struct{}),
	}
}

// Close stops background sweeps and notification delivery. Every table
// operation after Close returns ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

type item[V any] struct {
	Value     V      `json:"value"`
	ExpiresAt *int64 `json:"expiresAt"`
}

// Table is a typed view of one namespace in the backend. Items whose expiry
// has passed are treated as absent and removed when read.
type Table[V any] struct {
	s         *Store
	name      string
	expiresAt func(V) *time.Time

	mu    sync.Mutex
	cache map[string][]byte
	// gen counts change notifications; a backend read only fills the cache
	// if none arrived while it was in flight.
	gen uint64
}

// NewTable registers a table on s. expiresAt may be nil, in which case items
// never expire.
func NewTable[V any](s *Store, name string, expiresAt func(V) *time.Time) (*Table[V], error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	t := &Table[V]{
		s:         s,
		name:      name,
		expiresAt: expiresAt,
		cache:     map[string][]byte{},
	}

	cancel, err := s.notifier.Subscribe(name, t.onChange)
	if err != nil {
		return nil, fmt.Errorf("could not subscribe to %s changes: %w", name, err)
	}

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	if s.delay > 0 {
		s.wg.Add(1)
		go t.sweepLater()
	}

	return t, nil
}

func (t *Table[V]) Name() string {
	return t.name
}

func (t *Table[V]) onChange(source string) {
	if source == t.s.id {
		return
	}

	t.mu.Lock()
	clear(t.cache)
	t.gen++
	t.mu.Unlock()
}

func (t *Table[V]) load(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	b, ok := t.cache[key]
	gen := t.gen
	t.mu.Unlock()
	if ok {
		return b, true, nil
	}

	b, err := t.s.backend.Get(ctx, t.name, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not read %s/%s: %w", t.name, key, err)
	}

	t.remember(key, b, gen)
	return b, true, nil
}

func (t *Table[V]) expired(it *item[V]) bool {
	return it.ExpiresAt != nil && t.s.now().UnixMilli() > *it.ExpiresAt
}

func (t *Table[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := t.s.check(); err != nil {
		return zero, false, err
	}

	b, ok, err := t.load(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	var it item[V]
	if err := json.Unmarshal(b, &it); err != nil {
		return zero, false, fmt.Errorf("could not decode %s/%s: %w", t.name, key, err)
	}

	if t.expired(&it) {
		if err := t.Delete(ctx, key); err != nil {
			t.s.logger.Warn("could not delete expired item", "table", t.name, "err", err)
		}
		return zero, false, nil
	}

	return it.Value, true, nil
}

func (t *Table[V]) Set(ctx context.Context, key string, value V) error {
	if err := t.s.check(); err != nil {
		return err
	}

	it := item[V]{Value: value}
	if t.expiresAt != nil {
		if exp := t.expiresAt(value); exp != nil {
			ms := exp.UnixMilli()
			it.ExpiresAt = &ms
		}
	}

	b, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("could not encode %s/%s: %w", t.name, key, err)
	}

	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	if err := t.s.backend.Put(ctx, t.name, key, b); err != nil {
		t.forget(key)
		return fmt.Errorf("could not write %s/%s: %w", t.name, key, err)
	}

	t.remember(key, b, gen)

	t.publish(ctx)
	return nil
}

func (t *Table[V]) Delete(ctx context.Context, key string) error {
	if err := t.s.check(); err != nil {
		return err
	}

	t.forget(key)
	if err := t.s.backend.Delete(ctx, t.name, key); err != nil {
		return fmt.Errorf("could not delete %s/%s: %w", t.name, key, err)
	}

	t.publish(ctx)
	return nil
}

func (t *Table[V]) Keys(ctx context.Context) ([]string, error) {
	if err := t.s.check(); err != nil {
		return nil, err
	}
	return t.s.backend.Keys(ctx, t.name)
}

// Sweep removes every expired item and reports how many were removed.
func (t *Table[V]) Sweep(ctx context.Context) (int, error) {
	keys, err := t.Keys(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	for _, key := range keys {
		b, err := t.s.backend.Get(ctx, t.name, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("could not read %s/%s: %w", t.name, key, err)
		}

		// only the envelope matters here
		var it item[json.RawMessage]
		if err := json.Unmarshal(b, &it); err != nil {
			return n, fmt.Errorf("could not decode %s/%s: %w", t.name, key, err)
		}
		if it.ExpiresAt == nil || t.s.now().UnixMilli() <= *it.ExpiresAt {
			continue
		}

		if err := t.Delete(ctx, key); err != nil {
			return n, err
		}
		n++
	}

	return n, nil
}

func (t *Table[V]) remember(key string, b []byte, gen uint64) {
	t.mu.Lock()
	if t.gen == gen {
		t.cache[key] = b
	}
	t.mu.Unlock()
}

func (t *Table[V]) forget(key string) {
	t.mu.Lock()
	delete(t.cache, key)
	t.gen++
	t.mu.Unlock()
}

// Lock takes the store-wide lock for one key of this table. Stores that
// share a backend must share a Locker for this to exclude each other.
func (t *Table[V]) Lock(ctx context.Context, key string) (func(), error) {
	if err := t.s.check(); err != nil {
		return nil, err
	}
	return Lock(ctx, t.s.locker, t.name+"/"+key)
}

// Invalidate drops the cached copy of key so the next read goes to the
// backend.
func (t *Table[V]) Invalidate(key string) {
	t.forget(key)
}

func (t *Table[V]) publish(ctx context.Context) {
	if err := t.s.notifier.Publish(ctx, t.name, t.s.id); err != nil {
		t.s.logger.Warn("could not publish change", "table", t.name, "err", err)
	}
}

func (t *Table[V]) sweepLater() {
	defer t.s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	unlock, ok, err := t.s.locker.TryLock(ctx, "sweep/"+t.name)
	if err != nil {
		t.s.logger.Warn("could not take sweep lock", "table", t.name, "err", err)
		return
	}
	if !ok {
		return
	}
	defer unlock()

	timer := time.NewTimer(t.s.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	n, err := t.Sweep(ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			t.s.logger.Error("sweep failed", "table", t.name, "err", err)
		}
		return
	}
	if n > 0 {
		t.s.logger.Debug("swept expired items", "table", t.name, "count", n)
	}
}
