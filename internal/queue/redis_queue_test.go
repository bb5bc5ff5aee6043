package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, Options{VisibilityTimeout: time.Minute}), mr
}

func TestEnqueueRunDeduplicatesPerPairing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, ok, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p1", TenantID: "t1"}, PriorityScheduled)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, id)

	dup, ok, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p1", TenantID: "t1"}, PriorityScheduled)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, id, dup)

	_, ok, err = q.EnqueueRun(ctx, models.RunTask{PairingID: "p2", TenantID: "t1"}, PriorityScheduled)
	require.NoError(t, err)
	assert.True(t, ok)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestDequeuePrefersManualAndAckReleasesPairing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, _, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p1", TenantID: "t1"}, PriorityScheduled)
	require.NoError(t, err)
	manualID, _, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p2", TenantID: "t1", FromBeginning: true}, PriorityManual)
	require.NoError(t, err)

	task, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manualID, task.ID)
	assert.True(t, task.FromBeginning)
	assert.Equal(t, "t1", task.TenantID)

	inflight, err := q.InflightCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, q.Ack(ctx, task))
	inflight, err = q.InflightCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	_, ok, err = q.EnqueueRun(ctx, models.RunTask{PairingID: "p2", TenantID: "t1"}, PriorityManual)
	require.NoError(t, err)
	assert.True(t, ok, "ack clears the pending marker")
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	_, ok, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p1", TenantID: "t1"}, PriorityScheduled)
	require.NoError(t, err)
	task, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, id, task.ID)

	task.Attempts = 1
	task.LastError = "upstream 500"
	now := time.Now()
	require.NoError(t, q.Schedule(ctx, task, PriorityScheduled, now.Add(time.Minute)))
	inflight, err := q.InflightCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	n, err := q.PromoteScheduled(ctx, now, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "upstream 500", again.LastError)

	_, queued, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p1", TenantID: "t1"}, PriorityScheduled)
	require.NoError(t, err)
	assert.False(t, queued, "pairing stays pending while its task is retried")
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p1", TenantID: "t1"}, PriorityManual)
	require.NoError(t, err)
	_, _, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	task, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, task.ID)
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, _, err := q.EnqueueRun(ctx, models.RunTask{PairingID: "p1", TenantID: "t1"}, PriorityScheduled)
	require.NoError(t, err)
	task, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, task, "credentials unusable"))
	dls, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, task.ID, dls[0].Task.ID)
	assert.Equal(t, "credentials unusable", dls[0].Reason)

	inflight, err := q.InflightCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestDLQPeekTenantFiltersAcrossPages(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.DeadLetter(ctx, models.RunTask{ID: "a-1", PairingID: "p1", TenantID: "acme"}, "decryption"))
	for i := 0; i < 250; i++ {
		require.NoError(t, q.DeadLetter(ctx, models.RunTask{ID: fmt.Sprintf("g-%d", i), PairingID: "p9", TenantID: "globex"}, "config"))
	}
	require.NoError(t, q.DeadLetter(ctx, models.RunTask{ID: "a-2", PairingID: "p1", TenantID: "acme"}, "not found"))
	require.NoError(t, q.DeadLetter(ctx, models.RunTask{ID: "a-3", PairingID: "p2", TenantID: "acme"}, "not found"))

	dls, err := q.DLQPeekTenant(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, dls, 2)
	assert.Equal(t, "a-1", dls[0].Task.ID)
	assert.Equal(t, "a-2", dls[1].Task.ID)

	dls, err = q.DLQPeekTenant(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Len(t, dls, 3)

	dls, err = q.DLQPeekTenant(ctx, "initech", 10)
	require.NoError(t, err)
	assert.Empty(t, dls)
}
