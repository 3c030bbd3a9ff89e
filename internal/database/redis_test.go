package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisGuard(t *testing.T) {
	mr, client := newMiniRedis(t)
	g := NewRedisGuard(client, time.Hour)
	testGuard(t, g)

	require.Equal(t, time.Hour, mr.TTL("occurrence:rule-1|student-1|2024-01-15T09:00:00Z"))

	// an expired claim can be taken again
	mr.FastForward(2 * time.Hour)
	ok, err := g.Claim(context.Background(), "rule-1|student-1|2024-01-15T09:00:00Z")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisGuardReportsErrors(t *testing.T) {
	mr, client := newMiniRedis(t)
	mr.SetError("READONLY replica")

	_, err := NewRedisGuard(client, time.Hour).Claim(context.Background(), "k")
	require.ErrorContains(t, err, "failed to claim occurrence")
}

func TestRedisIntentQueue(t *testing.T) {
	t.Run("Order", func(t *testing.T) {
		_, client := newMiniRedis(t)
		testQueueOrder(t, NewRedisIntentQueue(client, "", nil))
	})
	t.Run("Limit", func(t *testing.T) {
		_, client := newMiniRedis(t)
		testQueueLimit(t, NewRedisIntentQueue(client, "", nil))
	})
}

func TestRedisIntentQueueSkipsUndecodableMembers(t *testing.T) {
	_, client := newMiniRedis(t)
	ctx := context.Background()
	q := NewRedisIntentQueue(client, "deferred", nil)

	require.NoError(t, client.ZAdd(ctx, "deferred", redis.Z{
		Score:  float64(base.UnixMilli()),
		Member: "{not json",
	}).Err())
	require.NoError(t, q.Push(ctx, &automation.Intent{ID: "i1", FiredAt: base.Add(time.Minute)}))

	due, err := q.PopDue(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "i1", due[0].ID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// failingZRem lets the first ZRem through and fails the rest
type failingZRem struct {
	redis.Cmdable
	calls int
}

func (f *failingZRem) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.calls++
	if f.calls == 1 {
		return f.Cmdable.ZRem(ctx, key, members...)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetErr(errors.New("connection reset"))
	return cmd
}

func TestRedisIntentQueueKeepsPoppedIntentsOnError(t *testing.T) {
	_, client := newMiniRedis(t)
	ctx := context.Background()
	q := NewRedisIntentQueue(&failingZRem{Cmdable: client}, "deferred", nil)

	require.NoError(t, q.Push(ctx, &automation.Intent{ID: "i1", FiredAt: base}))
	require.NoError(t, q.Push(ctx, &automation.Intent{ID: "i2", FiredAt: base.Add(time.Minute)}))

	due, err := q.PopDue(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "i1", due[0].ID)

	// the second intent is still queued
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// nothing popped yet, so the failure is reported
	_, err = q.PopDue(ctx, base.Add(time.Hour), 10)
	require.ErrorContains(t, err, "failed to pop deferred intent")
}
