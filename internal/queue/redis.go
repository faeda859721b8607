package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const minBlockTimeout = time.Second

// RedisQueue stores ready jobs in a list (LPUSH / BRPOP) and delayed retries
// in a sorted set scored by their due time.
type RedisQueue struct {
	client     redis.UniversalClient
	readyKey   string
	delayedKey string
	now        func() time.Time
}

// NewRedisQueue constructs a queue under the given key name.
func NewRedisQueue(client redis.UniversalClient, name string) *RedisQueue {
	if name == "" {
		name = "grader:jobs"
	}
	return &RedisQueue{
		client:     client,
		readyKey:   name,
		delayedKey: name + ":delayed",
		now:        time.Now,
	}
}

// Enqueue pushes a new job and returns its id. Broker failures wrap ErrUnavailable.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload interface{}) (string, error) {
	if q == nil || q.client == nil {
		return "", fmt.Errorf("%w: no broker configured", ErrUnavailable)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", name, err)
	}

	job := Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    raw,
		Attempt:    1,
		EnqueuedAt: q.now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	if err := q.client.LPush(ctx, q.readyKey, encoded).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next ready job. It returns nil, nil when
// nothing arrived in time.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if timeout < minBlockTimeout {
		timeout = minBlockTimeout
	}

	values, err := q.client.BRPop(ctx, timeout, q.readyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(values) < 2 || values[1] == "" {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(values[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Retry schedules the next attempt of job after delay.
func (q *RedisQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	job.Attempt++
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	due := q.now().Add(delay)
	return q.client.ZAdd(ctx, q.delayedKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: encoded,
	}).Err()
}

// PromoteDue moves retries whose delay elapsed back onto the ready list. A
// member is only pushed by the caller that removed it, so concurrent
// promoters never duplicate a job.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey, member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Len returns the number of ready and delayed jobs.
func (q *RedisQueue) Len(ctx context.Context) (ready int64, delayed int64, err error) {
	ready, err = q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.client.ZCard(ctx, q.delayedKey).Result()
	return ready, delayed, err
}
