package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-backbone/internal/config"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, config.Config{VisibilityTimeout: 30 * time.Second})
}

func TestScheduleFanoutImmediate(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleFanout(ctx, "tenantA", "sig-1", time.Now()))

	depth, err := q.ReadyDepth(ctx, KindFanout)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	env, ok, err := q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindFanout, env.Kind)
	assert.Equal(t, "tenantA", env.Tenant)
	assert.Equal(t, "sig-1", env.Ref)
	assert.Equal(t, 0, env.Attempt)

	// Queue is drained; the job is in-flight, not ready.
	_, ok, err = q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleDirectiveCarriesRerunFlag(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleDirective(ctx, "tenantA", "dir-1", time.Now(), true))

	env, ok, err := q.Dequeue(ctx, KindDirective)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindDirective, env.Kind)
	assert.Equal(t, "dir-1", env.Ref)
	assert.True(t, env.Rerun)
}

func TestKindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleFanout(ctx, "tenantA", "sig-1", time.Now()))

	_, ok, err := q.Dequeue(ctx, KindDirective)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeferredJobPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(time.Hour)
	require.NoError(t, q.ScheduleDirective(ctx, "tenantA", "dir-1", runAt, false))

	// Not ready before its time.
	_, ok, err := q.Dequeue(ctx, KindDirective)
	require.NoError(t, err)
	assert.False(t, ok)

	promoted, err := q.PromoteScheduled(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	promoted, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	env, ok, err := q.Dequeue(ctx, KindDirective)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dir-1", env.Ref)
}

func TestAckRemovesJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleFanout(ctx, "tenantA", "sig-1", time.Now()))
	env, ok, err := q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Ack(ctx, env.ID))

	// An acked job cannot be reclaimed even far in the future.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(24*time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestExpiredLeaseIsRequeued(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleFanout(ctx, "tenantA", "sig-1", time.Now()))
	first, ok, err := q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	require.True(t, ok)

	// Pretend the visibility timeout elapsed without an ack.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	second, ok, err := q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Ref, second.Ref)
}

func TestRetryBumpsAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleFanout(ctx, "tenantA", "sig-1", time.Now()))
	env, ok, err := q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	require.True(t, ok)

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Retry(ctx, env, retryAt))

	promoted, err := q.PromoteScheduled(ctx, retryAt.Add(time.Second), 100)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	again, ok, err := q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env.ID, again.ID)
	assert.Equal(t, 1, again.Attempt)
}

func TestSnoozeKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleDirective(ctx, "tenantA", "dir-1", time.Now(), false))
	env, ok, err := q.Dequeue(ctx, KindDirective)
	require.NoError(t, err)
	require.True(t, ok)

	dueAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Snooze(ctx, env, dueAt))

	_, err = q.PromoteScheduled(ctx, dueAt.Add(time.Second), 100)
	require.NoError(t, err)

	again, ok, err := q.Dequeue(ctx, KindDirective)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, again.Attempt)
}

func TestDeadLetterAndPeek(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.ScheduleFanout(ctx, "tenantA", "sig-1", time.Now()))
	env, ok, err := q.Dequeue(ctx, KindFanout)
	require.NoError(t, err)
	require.True(t, ok)

	env.Attempt = 5
	require.NoError(t, q.DeadLetter(ctx, env, "handler kept failing"))

	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "sig-1", items[0].Ref)
	assert.Equal(t, 5, items[0].Attempt)
	assert.Equal(t, "handler kept failing", items[0].Reason)

	// Dead-lettered jobs are no longer in-flight.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(24*time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}
