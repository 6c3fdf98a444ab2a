package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docbatch/models"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue. Dequeue atomically moves a task from
// the pending list to the processing list; the task stays there until it is
// acknowledged, so a crashed worker's task can be recovered. Delivery is
// at-least-once.
//
// The time each task entered the processing list is kept in a sorted set
// next to it, keyed by the raw payload.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	failed     string
	since      string
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, pending, processing, failed string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		pending:    pending,
		processing: processing,
		failed:     failed,
		since:      processing + ":since",
		now:        time.Now,
	}
}

// Delivery is a dequeued task together with its raw payload, which
// identifies it in the processing list.
type Delivery struct {
	Raw  string
	Task models.ConversionTask
}

// EnqueueAll pushes tasks in a single MULTI/EXEC so a batch is scheduled
// either completely or not at all.
func (q *RedisQueue) EnqueueAll(ctx context.Context, tasks []models.ConversionTask) error {
	if len(tasks) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(tasks))
	for _, task := range tasks {
		if task.EnqueuedAt.IsZero() {
			task.EnqueuedAt = q.now().UTC()
		}
		if task.Delivery == 0 {
			task.Delivery = 1
		}
		payload, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		values = append(values, payload)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.pending, values...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue tasks: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. It returns ErrNoTask when
// nothing arrived. A payload that cannot be decoded is moved to the failed
// list and reported as an error.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.pending, q.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, err
	}

	var task models.ConversionTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		if failErr := q.Fail(ctx, raw); failErr != nil {
			return nil, fmt.Errorf("failed to parse task (%v) and to move it aside: %w", err, failErr)
		}
		return nil, fmt.Errorf("failed to parse task: %w", err)
	}

	// Without a stamp RequeueStale starts the clock when it first sees the
	// task, so a failure here only delays recovery.
	_ = q.client.ZAdd(ctx, q.since, redis.Z{Score: float64(q.now().UnixMilli()), Member: raw}).Err()

	return &Delivery{Raw: raw, Task: task}, nil
}

// Ack removes a finished task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, raw)
	pipe.ZRem(ctx, q.since, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// Fail moves a task that can never succeed to the failed list.
func (q *RedisQueue) Fail(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, raw)
	pipe.ZRem(ctx, q.since, raw)
	pipe.LPush(ctx, q.failed, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueStale pushes tasks that have sat in the processing list for longer
// than staleAfter, counted from their dequeue, back onto the pending list
// with an incremented delivery count. It returns how many tasks were
// requeued.
func (q *RedisQueue) RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	entries, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing queue: %w", err)
	}

	now := q.now().UTC()
	requeued := 0
	for _, raw := range entries {
		var task models.ConversionTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			_ = q.Fail(ctx, raw)
			continue
		}

		score, err := q.client.ZScore(ctx, q.since, raw).Result()
		if errors.Is(err, redis.Nil) {
			q.client.ZAddNX(ctx, q.since, redis.Z{Score: float64(now.UnixMilli()), Member: raw})
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("failed to read dequeue time: %w", err)
		}
		if now.Sub(time.UnixMilli(int64(score))) <= staleAfter {
			continue
		}

		task.Delivery++
		task.EnqueuedAt = now
		payload, err := json.Marshal(task)
		if err != nil {
			continue
		}

		pipe := q.client.TxPipeline()
		removed := pipe.LRem(ctx, q.processing, 1, raw)
		pipe.ZRem(ctx, q.since, raw)
		pipe.LPush(ctx, q.pending, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("failed to requeue task: %w", err)
		}
		if removed.Val() == 0 {
			// Acked between LRANGE and now; the push made a harmless duplicate.
			continue
		}
		requeued++
	}
	return requeued, nil
}

// Depth reports the length of the pending, processing and failed lists.
func (q *RedisQueue) Depth(ctx context.Context) (pending, processing, failed int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.pending)
	r := pipe.LLen(ctx, q.processing)
	f := pipe.LLen(ctx, q.failed)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return p.Val(), r.Val(), f.Val(), nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
