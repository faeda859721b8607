package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type gradePayload struct {
	SubmissionID uint `json:"submission_id"`
}

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:jobs"), mr
}

func TestRedisQueueEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "grade", gradePayload{SubmissionID: 7})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, "grade", job.Name)
	require.Equal(t, 1, job.Attempt)

	var payload gradePayload
	require.NoError(t, job.Decode(&payload))
	require.EqualValues(t, 7, payload.SubmissionID)
}

func TestRedisQueueDequeueReturnsNilWhenEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestRedisQueueEnqueueWrapsBrokerFailure(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), "grade", gradePayload{SubmissionID: 1})
	require.ErrorIs(t, err, ErrUnavailable)

	var nilQueue *RedisQueue
	_, err = nilQueue.Enqueue(context.Background(), "grade", nil)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisQueueRetryIsPromotedOnlyWhenDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	require.NoError(t, q.Retry(ctx, Job{ID: "j1", Name: "grade", Attempt: 1}, 5*time.Second))

	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Zero(t, promoted)

	ready, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, ready)
	require.EqualValues(t, 1, delayed)

	now = now.Add(6 * time.Second)
	promoted, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "j1", job.ID)
	require.Equal(t, 2, job.Attempt)
}

func TestRunnerRetriesUntilBudgetExhausted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	runner := NewRunner(q, 1, zerolog.Nop())

	var seenLast []bool
	runner.Register("grade", RetryPolicy{MaxAttempts: 2, Delay: 0}, func(ctx context.Context, job Job) error {
		seenLast = append(seenLast, job.LastAttempt())
		return errors.New("judge unavailable")
	})

	runner.process(ctx, Job{ID: "j1", Name: "grade", Attempt: 1})
	_, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, delayed)

	_, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	runner.process(ctx, *job)
	ready, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, ready)
	require.Zero(t, delayed)
	require.Equal(t, []bool{false, true}, seenLast)
}

func TestRunnerDoesNotRetryPermanentErrors(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	runner := NewRunner(q, 1, zerolog.Nop())

	var calls int32
	runner.Register("grade", RetryPolicy{MaxAttempts: 4, Delay: time.Second}, func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(errors.New("submission not found"))
	})

	runner.process(ctx, Job{ID: "j1", Name: "grade", Attempt: 1})
	_, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, delayed)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRunnerRecoversFromHandlerPanic(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	runner := NewRunner(q, 1, zerolog.Nop())
	runner.Register("grade", RetryPolicy{MaxAttempts: 2}, func(ctx context.Context, job Job) error {
		panic("boom")
	})

	require.NotPanics(t, func() { runner.process(ctx, Job{ID: "j1", Name: "grade", Attempt: 1}) })
	_, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, delayed)
}

func TestRunnerRunConsumesJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan uint, 1)
	runner := NewRunner(q, 2, zerolog.Nop())
	runner.Register("grade", RetryPolicy{MaxAttempts: 1}, func(ctx context.Context, job Job) error {
		var payload gradePayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		done <- payload.SubmissionID
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	_, err := q.Enqueue(ctx, "grade", gradePayload{SubmissionID: 42})
	require.NoError(t, err)

	select {
	case id := <-done:
		require.EqualValues(t, 42, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestPermanentHelpers(t *testing.T) {
	require.Nil(t, Permanent(nil))

	base := errors.New("bad payload")
	err := Permanent(base)
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.False(t, IsPermanent(base))

	job := Job{Name: "grade", Payload: []byte("not json")}
	var payload gradePayload
	require.True(t, IsPermanent(job.Decode(&payload)))
}
