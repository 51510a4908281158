// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

const (
	streamPrefix  = "jobq:"
	deadSuffix    = ":dead"
	consumerGroup = "workers"

	// receiveBlock bounds a single blocking read so context cancellation
	// is observed between reads.
	receiveBlock = 5 * time.Second
)

// RedisQueue publishes and consumes jobs over Redis streams. Every queue is
// one stream consumed through a shared consumer group, so each job is
// delivered to exactly one worker and redelivered if that worker dies before
// acknowledging it.
type RedisQueue struct {
	log      *zap.Logger
	client   *redis.Client
	consumer string

	// claimIdle is how long a delivery may sit unacknowledged before
	// another consumer claims it.
	claimIdle time.Duration

	groupsMu sync.Mutex
	groups   map[string]bool
}

var _ Source = (*RedisQueue)(nil)

// OpenRedisQueue connects to Redis at address (redis:// url) and verifies the
// connection.
func OpenRedisQueue(ctx context.Context, log *zap.Logger, address string, claimIdle time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.New("invalid address: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Combine(Error.New("ping failed: %v", err), client.Close())
	}

	hostname, _ := os.Hostname()
	return &RedisQueue{
		log:       log,
		client:    client,
		consumer:  fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		claimIdle: claimIdle,
		groups:    map[string]bool{},
	}, nil
}

// Enqueue publishes a task with its arguments onto the named queue.
func (queue *RedisQueue) Enqueue(ctx context.Context, name, task string, args map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return queue.add(ctx, name, task, args, 0)
}

func (queue *RedisQueue) add(ctx context.Context, name, task string, args map[string]string, attempt int) error {
	encoded, err := json.Marshal(args)
	if err != nil {
		return Error.Wrap(err)
	}
	err = queue.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + name,
		Values: map[string]interface{}{
			"task":        task,
			"args":        string(encoded),
			"attempt":     strconv.Itoa(attempt),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	return Error.Wrap(err)
}

// Receive blocks until a job is available on one of the queues or the context
// is done. Stale unacknowledged deliveries are claimed before new entries are
// read.
func (queue *RedisQueue) Receive(ctx context.Context, queues []string) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, name := range queues {
		if err := queue.ensureGroup(ctx, name); err != nil {
			return nil, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, name := range queues {
			job, err := queue.claimStale(ctx, name)
			if err != nil {
				return nil, err
			}
			if job != nil {
				return job, nil
			}
		}

		streams := make([]string, 0, len(queues)*2)
		for _, name := range queues {
			streams = append(streams, streamPrefix+name)
		}
		for range queues {
			streams = append(streams, ">")
		}

		result, err := queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: queue.consumer,
			Streams:  streams,
			Count:    1,
			Block:    receiveBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, Error.Wrap(err)
		}

		for _, stream := range result {
			for _, message := range stream.Messages {
				return decodeJob(strings.TrimPrefix(stream.Stream, streamPrefix), message)
			}
		}
	}
}

// claimStale takes over deliveries whose consumer went away without
// acknowledging them.
func (queue *RedisQueue) claimStale(ctx context.Context, name string) (*Job, error) {
	messages, _, err := queue.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamPrefix + name,
		Group:    consumerGroup,
		Consumer: queue.consumer,
		MinIdle:  queue.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Error.Wrap(err)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return decodeJob(name, messages[0])
}

// Ack marks a received job as done.
func (queue *RedisQueue) Ack(ctx context.Context, job *Job) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(queue.client.XAck(ctx, streamPrefix+job.Queue, consumerGroup, job.ID).Err())
}

// Retry re-publishes the job with an incremented attempt counter and
// acknowledges the original delivery.
func (queue *RedisQueue) Retry(ctx context.Context, job *Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := queue.add(ctx, job.Queue, job.Task, job.Args, job.Attempt+1); err != nil {
		return err
	}
	return queue.Ack(ctx, job)
}

// DeadLetter moves the job onto the queue's dead stream and acknowledges the
// original delivery. Dead streams have no consumer group; entries stay until
// an operator replays or deletes them.
func (queue *RedisQueue) DeadLetter(ctx context.Context, job *Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := json.Marshal(job.Args)
	if err != nil {
		return Error.Wrap(err)
	}
	err = queue.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + job.Queue + deadSuffix,
		Values: map[string]interface{}{
			"task":        job.Task,
			"args":        string(encoded),
			"attempt":     strconv.Itoa(job.Attempt),
			"enqueued_at": job.EnqueuedAt.UTC().Format(time.RFC3339Nano),
			"dead_at":     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return Error.Wrap(err)
	}
	return queue.Ack(ctx, job)
}

// Close releases the Redis connection.
func (queue *RedisQueue) Close() error {
	return Error.Wrap(queue.client.Close())
}

func (queue *RedisQueue) ensureGroup(ctx context.Context, name string) error {
	queue.groupsMu.Lock()
	defer queue.groupsMu.Unlock()

	if queue.groups[name] {
		return nil
	}
	err := queue.client.XGroupCreateMkStream(ctx, streamPrefix+name, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return Error.Wrap(err)
	}
	queue.groups[name] = true
	return nil
}

func decodeJob(name string, message redis.XMessage) (*Job, error) {
	job := &Job{
		ID:    message.ID,
		Queue: name,
		Args:  map[string]string{},
	}
	if task, ok := message.Values["task"].(string); ok {
		job.Task = task
	}
	if raw, ok := message.Values["args"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Args); err != nil {
			return nil, Error.New("malformed job args: %v", err)
		}
	}
	if raw, ok := message.Values["attempt"].(string); ok {
		job.Attempt, _ = strconv.Atoi(raw)
	}
	if raw, ok := message.Values["enqueued_at"].(string); ok {
		job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return job, nil
}
