package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/streamplace/atproto-oauth-agent/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	b, err := Open(filepath.Join(t.TempDir(), "oauth.bolt"), nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Get(ctx, "states", "missing")
	assert.ErrorIs(err, store.ErrNotFound)
	assert.NoError(b.Delete(ctx, "states", "missing"))

	keys, err := b.Keys(ctx, "states")
	require.NoError(t, err)
	assert.Empty(keys)

	require.NoError(t, b.Put(ctx, "states", "b", []byte("2")))
	require.NoError(t, b.Put(ctx, "states", "a", []byte("1")))

	v, err := b.Get(ctx, "states", "a")
	require.NoError(t, err)
	assert.Equal("1", string(v))

	keys, err = b.Keys(ctx, "states")
	require.NoError(t, err)
	assert.Equal([]string{"a", "b"}, keys)

	require.NoError(t, b.Delete(ctx, "states", "a"))
	_, err = b.Get(ctx, "states", "a")
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestSealedTableOnBolt(t *testing.T) {
	ctx := context.Background()

	b, err := Open(filepath.Join(t.TempDir(), "sealed.bolt"), nil)
	require.NoError(t, err)
	defer b.Close()

	sealed, err := store.NewSealedBackend(b, []byte("a very secret sealing passphrase"))
	require.NoError(t, err)

	s := store.New(store.Options{Backend: sealed, SweepDelay: -1})
	defer s.Close()

	type rec struct {
		Access string `json:"access"`
	}
	tbl, err := store.NewTable[rec](s, "sessions", nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Set(ctx, "did:plc:a", rec{Access: "tok"}))

	raw, err := b.Get(ctx, "sessions", "did:plc:a")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tok")

	v, ok, err := tbl.Get(ctx, "did:plc:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", v.Access)
}
