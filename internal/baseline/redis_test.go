package baseline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/merlin/internal/domain"
)

func setupMirror(t *testing.T) (*Mirror, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewMirrorWithClient(client)
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestMirror_SaveLoad(t *testing.T) {
	m, mr := setupMirror(t)
	ctx := context.Background()

	b := Summarize("u1", []*domain.Transaction{
		tx("u1", 10, "US", t0),
		tx("u1", 30, "GB", t0.Add(10*time.Minute)),
	}, time.Hour)

	require.NoError(t, m.Save(ctx, b))
	assert.True(t, mr.Exists("merlin:baseline:u1"))

	got, err := m.Load(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.TransactionCount)
	assert.InDelta(t, 20.0, got.AverageAmount, 1e-9)
	assert.Equal(t, "GB", got.LastLocation)
	assert.Len(t, got.RecentEvents, 2)
	assert.True(t, got.RecentEvents[1].Timestamp.Equal(t0.Add(10*time.Minute)))
	assert.Equal(t, uint64(1), got.LocationCounts["US"])
}

func TestMirror_LoadMiss(t *testing.T) {
	m, _ := setupMirror(t)

	got, err := m.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMirror_SaveRequiresUser(t *testing.T) {
	m, _ := setupMirror(t)
	assert.Error(t, m.Save(context.Background(), domain.Baseline{}))
}

func TestCache_WarmFromMirror(t *testing.T) {
	m, mr := setupMirror(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		b := Summarize(id, []*domain.Transaction{tx(id, 12, "US", t0)}, time.Hour)
		require.NoError(t, m.Save(ctx, b))
	}
	// garbage entries are skipped, not fatal
	require.NoError(t, mr.Set("merlin:baseline:broken", "{not json"))

	c := NewCache(time.Hour)
	n, err := c.Warm(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, c.Users())
	assert.InDelta(t, 12.0, c.Get("b").AverageAmount, 1e-9)
}

func TestMirror_Delete(t *testing.T) {
	m, mr := setupMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, Summarize("u1", []*domain.Transaction{tx("u1", 1, "US", t0)}, time.Hour)))
	require.NoError(t, m.Delete(ctx, "u1"))
	assert.False(t, mr.Exists("merlin:baseline:u1"))
}
