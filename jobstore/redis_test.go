package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/meshforge/testutil/fixtures"
	"github.com/BaSui01/meshforge/types"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) Store {
		_, client := newMiniredisClient(t)
		return NewRedisStore(client, "test:", WithClock(clock.Now))
	})
}

func TestRedisStore_StatusIndex(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	store := NewRedisStore(client, "mf:")

	job := fixtures.PendingJob()
	require.NoError(t, store.Create(ctx, job))
	assert.True(t, mr.Exists("mf:job:data:"+job.ID))

	members, err := mr.ZMembers("mf:job:status:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, members)

	require.NoError(t, job.Transition(types.JobStatusProcessing))
	require.NoError(t, store.Update(ctx, job))
	assert.False(t, mr.Exists("mf:job:status:pending"))
	members, err = mr.ZMembers("mf:job:status:processing")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, members)

	require.NoError(t, job.Fail("upstream failed"))
	require.NoError(t, store.Update(ctx, job))
	assert.False(t, mr.Exists("mf:job:status:processing"), "terminal jobs leave the stale index")
}

func TestRedisStore_ListStaleSkipsDanglingIndex(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	store := NewRedisStore(client, "mf:")

	_, err := mr.ZAdd("mf:job:status:pending", 1, "ghost")
	require.NoError(t, err)

	stale, err := store.ListStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRedisStore_PingFailsWhenServerDown(t *testing.T) {
	mr, client := newMiniredisClient(t)
	store := NewRedisStore(client, "")
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, store.Ping(ctx))
}
