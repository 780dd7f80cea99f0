package sqlstore

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

	b, err := Open(filepath.Join(t.TempDir(), "oauth.db"))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Get(ctx, "sessions", "did:plc:a")
	assert.ErrorIs(err, store.ErrNotFound)

	require.NoError(t, b.Put(ctx, "sessions", "did:plc:a", []byte("one")))
	require.NoError(t, b.Put(ctx, "sessions", "did:plc:a", []byte("two")))
	require.NoError(t, b.Put(ctx, "sessions", "did:plc:b", []byte("three")))
	require.NoError(t, b.Put(ctx, "states", "s1", []byte("four")))

	v, err := b.Get(ctx, "sessions", "did:plc:a")
	require.NoError(t, err)
	assert.Equal("two", string(v))

	keys, err := b.Keys(ctx, "sessions")
	require.NoError(t, err)
	assert.Equal([]string{"did:plc:a", "did:plc:b"}, keys)

	require.NoError(t, b.Delete(ctx, "sessions", "did:plc:a"))
	require.NoError(t, b.Delete(ctx, "sessions", "did:plc:a"))

	keys, err = b.Keys(ctx, "sessions")
	require.NoError(t, err)
	assert.Equal([]string{"did:plc:b"}, keys)
}

func TestTwoHandlesShareFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	sa := store.New(store.Options{Backend: a, SweepDelay: -1})
	defer sa.Close()
	sb := store.New(store.Options{Backend: b, SweepDelay: -1})
	defer sb.Close()

	ta, err := store.NewTable[string](sa, "dpopNonces", nil)
	require.NoError(t, err)
	tb, err := store.NewTable[string](sb, "dpopNonces", nil)
	require.NoError(t, err)

	require.NoError(t, ta.Set(ctx, "https://pds.example.com", "nonce-1"))

	v, ok, err := tb.Get(ctx, "https://pds.example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "nonce-1", v)
}
