package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontoflow/internal/db"
	"ontoflow/internal/domain"
	"ontoflow/internal/logging"
	"ontoflow/internal/migrate"
	"ontoflow/internal/queue"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock lets tests move time instead of sleeping through backoff.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newQueue(t *testing.T) (queue.Queue, *fakeClock, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := &fakeClock{t: t0}
	q := queue.Queue{
		DB:                conn,
		Now:               clock.Now,
		MaxAttempts:       3,
		BackoffMS:         1000,
		BackoffMultiplier: 2.0,
	}
	return q, clock, context.Background()
}

func TestEnqueueIdempotency(t *testing.T) {
	q, _, ctx := newQueue(t)

	first, created, err := q.Enqueue(ctx, queue.EnqueueParams{
		JobType:        domain.JobTypeSystemPing,
		IdempotencyKey: "ping-once",
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := q.Enqueue(ctx, queue.EnqueueParams{
		JobType:        domain.JobTypeSystemPing,
		IdempotencyKey: "ping-once",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimOrdering(t *testing.T) {
	q, clock, ctx := newQueue(t)

	// Low priority first in time, then two high-priority jobs.
	low, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: "A", Priority: 0})
	require.NoError(t, err)
	clock.Advance(time.Second)
	highOld, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: "B", Priority: 5})
	require.NoError(t, err)
	clock.Advance(time.Second)
	highNew, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: "C", Priority: 5})
	require.NoError(t, err)

	var order []string
	for {
		job, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
		require.NoError(t, q.Complete(ctx, job.ID, "w1"))
	}
	assert.Equal(t, []string{highOld.ID, highNew.ID, low.ID}, order)
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	q, _, ctx := newQueue(t)
	_, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: domain.JobTypeSystemPing})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*domain.JobRecord, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := q.Claim(ctx, "w"+string(rune('1'+i)))
			assert.NoError(t, err)
			results[i] = job
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, job := range results {
		if job != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker must win the claim")
}

func TestBackoffSchedule(t *testing.T) {
	q, clock, ctx := newQueue(t)
	job, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: "flaky"})
	require.NoError(t, err)

	// Three failures schedule retries at 1000, 2000 and 4000 ms.
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		claimed, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", i+1)
		assert.Equal(t, i+1, claimed.Attempts)

		failedAt := clock.Now()
		retrying, err := q.Fail(ctx, job.ID, "w1", "boom")
		require.NoError(t, err)
		require.True(t, retrying, "attempt %d should schedule a retry", i+1)

		stored, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.NextAttemptAt)
		assert.Equal(t, domain.FormatTime(failedAt.Add(want)), *stored.NextAttemptAt)

		// Not runnable until the delay elapses.
		early, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, early)
		clock.Advance(want)
	}

	// Fourth failure is terminal.
	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 4, claimed.Attempts)
	retrying, err := q.Fail(ctx, job.ID, "w1", "boom")
	require.NoError(t, err)
	assert.False(t, retrying)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "boom", *stored.LastError)
}

func TestCancelOnlyPending(t *testing.T) {
	q, _, ctx := newQueue(t)
	job, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: "x"})
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancelled jobs are not claimable and cannot be cancelled twice.
	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	ok, err = q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReclaimStale(t *testing.T) {
	q, clock, ctx := newQueue(t)
	job, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: "slow"})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A heartbeat keeps the lock fresh.
	clock.Advance(90 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, job.ID, "w1"))
	n, err := q.ReclaimStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Without further heartbeats the lock expires and the job is claimable
	// again, keeping its attempt count.
	clock.Advance(3 * time.Minute)
	n, err = q.ReclaimStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	reclaimed, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestWorkerDrain(t *testing.T) {
	q, _, ctx := newQueue(t)
	for i := 0; i < 3; i++ {
		_, _, err := q.Enqueue(ctx, queue.EnqueueParams{JobType: "count"})
		require.NoError(t, err)
	}
	var processed int
	w := &queue.Worker{
		Queue: q,
		Log:   logging.NewNop(),
		Handlers: map[string]queue.Handler{
			"count": func(ctx context.Context, job domain.JobRecord) error {
				processed++
				return nil
			},
		},
	}
	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, processed)
}
