// Package boltstore is a store.Backend on a single-process bbolt file, one
// bucket per table.
package boltstore

import (
	"context"
	"fmt"

	"github.com/streamplace/atproto-oauth-agent/store"
	"go.etcd.io/bbolt"
)

type Backend struct {
	db *bbolt.DB
}

var _ store.Backend = (*Backend)(nil)

func New(db *bbolt.DB) *Backend {
	return &Backend{db: db}
}

func Open(path string, options *bbolt.Options) (*Backend, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db), nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Get(_ context.Context, table, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return store.ErrNotFound
		}
		data := bkt.Get([]byte(key))
		if data == nil {
			return store.ErrNotFound
		}
		// data is only valid inside the transaction
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (b *Backend) Put(_ context.Context, table, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), value)
	})
}

func (b *Backend) Delete(_ context.Context, table, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

func (b *Backend) Keys(_ context.Context, table string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(table))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
