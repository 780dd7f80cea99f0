package store

import (
	"context"
	"sync"
	"time"
)

// Locker hands out named advisory locks. TryLock never blocks: ok is false
// when another holder already has the lock.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error)
}

// Notifier carries change notifications between Stores sharing a backend.
// source identifies the publishing Store so it can ignore its own writes.
type Notifier interface {
	Publish(ctx context.Context, table, source string) error
	Subscribe(table string, fn func(source string)) (cancel func(), err error)
}

type MemLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*MemLocker)(nil)

func NewMemLocker() *MemLocker {
	return &MemLocker{held: map[string]struct{}{}}
}

func (l *MemLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[name]; ok {
		return nil, false, nil
	}
	l.held[name] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

// MemBus delivers notifications synchronously to every subscriber in the
// process.
type MemBus struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func(string)
}

var _ Notifier = (*MemBus)(nil)

func NewMemBus() *MemBus {
	return &MemBus{subs: map[string]map[int]func(string){}}
}

func (b *MemBus) Publish(_ context.Context, table, source string) error {
	b.mu.RLock()
	fns := make([]func(string), 0, len(b.subs[table]))
	for _, fn := range b.subs[table] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(source)
	}
	return nil
}

func (b *MemBus) Subscribe(table string, fn func(string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	if b.subs[table] == nil {
		b.subs[table] = map[int]func(string){}
	}
	b.subs[table][id] = fn

	return func() {
		b.mu.Lock()
		delete(b.subs[table], id)
		b.mu.Unlock()
	}, nil
}

// Lock waits for the named lock, polling l.TryLock with backoff, until it is
// acquired or ctx is done.
func Lock(ctx context.Context, l Locker, name string) (func(), error) {
	const maxWait = 100 * time.Millisecond
	wait := 5 * time.Millisecond

	for {
		unlock, ok, err := l.TryLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, maxWait)
	}
}
