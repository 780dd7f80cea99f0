// Package cached provides a read-through getter that runs at most one fetch
// per key at a time and writes results back to a store.
package cached

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	// AllowStale accepts a stored value even when it is stale.
	AllowStale bool
	// NoCache ignores the stored value and always fetches.
	NoCache bool
}

type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	Delete(ctx context.Context, key string) error
}

// GetterFunc fetches a fresh value. stored is the value currently in the
// store, or nil when there is none.
type GetterFunc[V any] func(ctx context.Context, key string, stored *V, opts Options) (V, error)

type Args[V any] struct {
	Getter GetterFunc[V]
	Store  Store[V]

	// IsStale reports whether a stored value must be refetched. When nil,
	// stored values are always usable.
	IsStale func(key string, value V) bool

	// OnStoreError runs when a fetched value cannot be written back. Its
	// return value is what Get returns; nil swallows the failure.
	OnStoreError func(ctx context.Context, err error, key string, value V) error

	// DeleteOnError decides whether a failed fetch removes the stored value.
	DeleteOnError func(ctx context.Context, err error, key string, stored V) bool

	// Lock, when set, is held around the fetch and write back so that
	// getters in other processes sharing the store take turns. The stored
	// value is read again once the lock is held.
	Lock func(ctx context.Context, key string) (unlock func(), err error)
}

type Getter[V any] struct {
	args  Args[V]
	group singleflight.Group
}

func New[V any](args Args[V]) *Getter[V] {
	return &Getter[V]{args: args}
}

type result[V any] struct {
	value V
	fresh bool
}

func (g *Getter[V]) allowStored(key string, value V, opts Options) bool {
	if opts.NoCache {
		return false
	}
	if opts.AllowStale || g.args.IsStale == nil {
		return true
	}
	return !g.args.IsStale(key, value)
}

// Get returns the stored value when the options allow it, and otherwise
// fetches a new one. Concurrent calls for the same key share one fetch. A
// caller that joined someone else's fetch only takes its result if that
// result was freshly fetched or is acceptable under its own options; after a
// failed shared fetch it tries again on its own.
func (g *Getter[V]) Get(ctx context.Context, key string, opts Options) (V, error) {
	var zero V

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		ran := false
		v, err, _ := g.group.Do(key, func() (any, error) {
			ran = true
			return g.run(ctx, key, opts)
		})

		if ran {
			if err != nil {
				return zero, err
			}
			return v.(result[V]).value, nil
		}

		if err != nil {
			continue
		}

		res := v.(result[V])
		if res.fresh || g.allowStored(key, res.value, opts) {
			return res.value, nil
		}
	}
}

// load reads the stored value. usable is true when it can be returned as is.
func (g *Getter[V]) load(ctx context.Context, key string, opts Options) (stored *V, usable bool, err error) {
	v, ok, err := g.args.Store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return &v, g.allowStored(key, v, opts), nil
}

func (g *Getter[V]) run(ctx context.Context, key string, opts Options) (result[V], error) {
	stored, usable, err := g.load(ctx, key, opts)
	if err != nil {
		return result[V]{}, err
	}
	if usable {
		return result[V]{value: *stored}, nil
	}

	if g.args.Lock != nil {
		unlock, err := g.args.Lock(ctx, key)
		if err != nil {
			return result[V]{}, err
		}
		defer unlock()

		// someone else may have fetched while we waited
		stored, usable, err = g.load(ctx, key, opts)
		if err != nil {
			return result[V]{}, err
		}
		if usable {
			return result[V]{value: *stored}, nil
		}
	}

	fetched, err := g.args.Getter(ctx, key, stored, opts)
	if err != nil {
		if stored != nil && g.args.DeleteOnError != nil && g.args.DeleteOnError(ctx, err, key, *stored) {
			if derr := g.args.Store.Delete(ctx, key); derr != nil {
				return result[V]{}, errors.Join(err, derr)
			}
		}
		return result[V]{}, err
	}

	if err := g.args.Store.Set(ctx, key, fetched); err != nil {
		if g.args.OnStoreError == nil {
			return result[V]{}, err
		}
		if err := g.args.OnStoreError(ctx, err, key, fetched); err != nil {
			return result[V]{}, err
		}
	}

	return result[V]{value: fetched, fresh: true}, nil
}

// Delete removes the stored value for key.
func (g *Getter[V]) Delete(ctx context.Context, key string) error {
	return g.args.Store.Delete(ctx, key)
}
