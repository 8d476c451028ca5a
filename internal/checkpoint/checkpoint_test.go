package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatefeed/server/internal/database"
	"estatefeed/server/internal/source"
)

func newGormStore(t *testing.T) Store {
	db, err := database.NewTestDB()
	require.NoError(t, err)
	require.NoError(t, database.MigrateSchema(db))
	return NewGormStore(db)
}

func newRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "", 0), mr
}

func TestStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"gorm":  newGormStore(t),
		"redis": redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := store.Load(ctx, "ingest:sale:0of1")
			require.NoError(t, err)
			assert.False(t, ok)

			first := source.Cursor{RegionIndex: 1, MonthIndex: 2, Page: 3, Offset: 4, Axes: "0b1f5e7d2a9c4e31"}
			require.NoError(t, store.Save(ctx, "ingest:sale:0of1", first))

			second := source.Cursor{RegionIndex: 1, MonthIndex: 2, Page: 4, Offset: 0, Axes: "5c2d8e01f7a3b96e"}
			require.NoError(t, store.Save(ctx, "ingest:sale:0of1", second))

			got, ok, err := store.Load(ctx, "ingest:sale:0of1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, second, got)

			_, ok, err = store.Load(ctx, "ingest:lease:0of1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Clear(ctx, "ingest:sale:0of1"))
			_, ok, err = store.Load(ctx, "ingest:sale:0of1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	err := store.Save(context.Background(), "ingest:sale:0of1", source.Cursor{Page: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	_, _, err = store.Load(context.Background(), "ingest:sale:0of1")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
