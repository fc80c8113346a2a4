package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisQueue is a reliable list queue. Dequeue atomically moves a job into a
// per-consumer processing list, so a crashed worker's jobs can be recovered.
type RedisQueue struct {
	client     *redis.Client
	name       string
	consumer   string
	processing string
	dead       string
	// poll bounds each blocking pop so ctx cancellation is noticed
	poll time.Duration
	// aliveTTL is how long a consumer counts as alive after its last Beat
	aliveTTL time.Duration
}

// NewRedisQueue creates a queue named name. consumer should be stable across
// restarts of the same worker (hostname is typical); lists of consumers that
// stop beating are reclaimed by the others.
func NewRedisQueue(client *redis.Client, name, consumer string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		name:       name,
		consumer:   consumer,
		processing: processingKey(name, consumer),
		dead:       name + ":dead",
		poll:       2 * time.Second,
		aliveTTL:   30 * time.Second,
	}
}

func processingKey(name, consumer string) string {
	return fmt.Sprintf("%s:processing:%s", name, consumer)
}

func aliveKey(name, consumer string) string {
	return fmt.Sprintf("%s:alive:%s", name, consumer)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BRPopLPush(ctx, q.name, q.processing, q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// unreadable entries go straight to the dead list
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.processing, 1, raw)
			pipe.LPush(ctx, q.dead, raw)
			if _, perr := pipe.Exec(ctx); perr != nil {
				return nil, fmt.Errorf("dead-lettering malformed job: %w", perr)
			}
			continue
		}

		return NewDelivery(job,
			func(ctx context.Context) error {
				return q.client.LRem(ctx, q.processing, 1, raw).Err()
			},
			func(ctx context.Context, requeue bool) error {
				return q.release(ctx, raw, job, requeue)
			},
		), nil
	}
}

func (q *RedisQueue) release(ctx context.Context, raw string, job Job, requeue bool) error {
	target := q.dead
	if requeue {
		target = q.name
		job.Attempts++
	}
	next, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, raw)
	pipe.LPush(ctx, target, next)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("releasing %s: %w", job.ID, err)
	}
	return nil
}

// Recover marks this consumer alive, moves everything left in its own
// processing list back onto the queue and reclaims the lists of consumers
// whose heartbeat has lapsed. Call it once before starting workers.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	if err := q.Beat(ctx); err != nil {
		return 0, err
	}
	moved, err := q.drain(ctx, q.processing)
	if err != nil {
		return moved, err
	}
	orphaned, err := q.ReclaimOrphans(ctx)
	return moved + orphaned, err
}

// Beat refreshes this consumer's liveness key
func (q *RedisQueue) Beat(ctx context.Context) error {
	if err := q.client.Set(ctx, aliveKey(q.name, q.consumer), time.Now().Unix(), q.aliveTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", q.consumer, err)
	}
	return nil
}

// ReclaimOrphans requeues the in-flight jobs of every other consumer that is
// no longer beating
func (q *RedisQueue) ReclaimOrphans(ctx context.Context) (int, error) {
	prefix := processingKey(q.name, "")
	moved := 0

	iter := q.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		consumer := strings.TrimPrefix(key, prefix)
		if consumer == q.consumer {
			continue
		}
		alive, err := q.client.Exists(ctx, aliveKey(q.name, consumer)).Result()
		if err != nil {
			return moved, fmt.Errorf("checking consumer %s: %w", consumer, err)
		}
		if alive > 0 {
			continue
		}
		n, err := q.drain(ctx, key)
		moved += n
		if err != nil {
			return moved, err
		}
	}
	if err := iter.Err(); err != nil {
		return moved, fmt.Errorf("scanning processing lists: %w", err)
	}
	return moved, nil
}

// Heartbeat beats and reclaims orphans every interval until ctx is done.
// onErr receives failures; nil ignores them.
func (q *RedisQueue) Heartbeat(ctx context.Context, every time.Duration, onErr func(error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := q.Beat(ctx)
		if err == nil {
			_, err = q.ReclaimOrphans(ctx)
		}
		if err != nil && onErr != nil && ctx.Err() == nil {
			onErr(err)
		}
	}
}

func (q *RedisQueue) drain(ctx context.Context, key string) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, key, q.name).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recovering %s: %w", key, err)
		}
		moved++
	}
}

// Depth reports waiting, in-flight and dead-lettered counts
func (q *RedisQueue) Depth(ctx context.Context) (waiting, processing, dead int64, err error) {
	pipe := q.client.Pipeline()
	w := pipe.LLen(ctx, q.name)
	p := pipe.LLen(ctx, q.processing)
	d := pipe.LLen(ctx, q.dead)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return w.Val(), p.Val(), d.Val(), nil
}

func (q *RedisQueue) Close() error {
	return nil
}
