package memory

import (
	"context"
	"testing"

	"github.com/relaycore/wcrelay/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k1", []byte("v1")))
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, "k1"))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Set(ctx, "wc@2:client//keychain:a", []byte("1")))
	require.NoError(t, s.Set(ctx, "wc@2:client//keychain:b", []byte("2")))
	require.NoError(t, s.Set(ctx, "wc@2:client//history:c", []byte("3")))

	keys, err := s.List(ctx, "wc@2:client//keychain:")
	require.NoError(t, err)
	assert.Equal(t, []string{"wc@2:client//keychain:a", "wc@2:client//keychain:b"}, keys)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "k", []byte("original")))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	v[0] = 'X'

	v2, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v2)
}
