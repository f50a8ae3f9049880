package redis

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/user/pt-crawler/internal/entity"
)

func newStore(t *testing.T) (*KVStoreImpl, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store := NewKVStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { store.Close() })
	return store, srv
}

func TestKVStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, srv := newStore(t)

	_, err := store.Get(ctx, "site", "pt-cookies")
	require.ErrorIs(t, err, entity.ErrNotFound)
	require.ErrorIs(t, err, entity.ErrStorage)

	require.NoError(t, store.Set(ctx, "site", "pt-cookies", []byte(`[]`)))
	got, err := store.Get(ctx, "site", "pt-cookies")
	require.NoError(t, err)
	require.Equal(t, []byte(`[]`), got)
	require.True(t, srv.Exists("ptcrawler:site:pt-cookies"))

	removed, err := store.Delete(ctx, "site", "pt-cookies")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = store.Delete(ctx, "site", "pt-cookies")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestKVStoreListKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	for i := 3; i > 0; i-- {
		require.NoError(t, store.Set(ctx, "site", fmt.Sprintf("pending_batch_%d", i), []byte("x")))
	}
	require.NoError(t, store.Set(ctx, "site", "session_state", []byte("x")))
	require.NoError(t, store.Set(ctx, "other", "pending_batch_9", []byte("x")))

	keys, err := store.ListKeys(ctx, "site", "pending_batch_")
	require.NoError(t, err)
	require.Equal(t, []string{"pending_batch_1", "pending_batch_2", "pending_batch_3"}, keys)

	all, err := store.ListKeys(ctx, "site", "")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestKVStorePing(t *testing.T) {
	store, srv := newStore(t)
	require.NoError(t, store.Ping(context.Background()))
	srv.Close()
	require.ErrorIs(t, store.Ping(context.Background()), entity.ErrStorage)
}
