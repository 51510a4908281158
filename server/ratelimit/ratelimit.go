// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package ratelimit implements keyed check-and-increment counters with TTL
// windows on Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Error is the default ratelimit errs class.
var Error = errs.Class("ratelimit")

// Result reports the outcome of a counter check.
type Result struct {
	Allowed bool
	Count   int64
	Limit   int
}

// Limiter atomically increments a keyed counter inside a TTL window and
// reports whether the caller is within the limit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Counter key scopes shared across the platform.
func ConnUserKey(userID uuid.UUID) string   { return "ws_rate_user_" + userID.String() }
func ConnIPKey(ip string) string            { return "ws_rate_ip_" + ip }
func AskUserKey(userID uuid.UUID) string    { return "ask_user_" + userID.String() }
func UploadUserKey(userID uuid.UUID) string { return "upload_user_" + userID.String() }
func InviteUserKey(userID uuid.UUID) string { return "ext_invite_user_" + userID.String() }

// checkAndIncr increments the key and starts its TTL window on first hit.
// Runs as a script so increment and expire cannot interleave.
var checkAndIncr = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter is the Redis-backed Limiter.
//
// When the store is unreachable the limiter fails open: the request is
// allowed and a warning is logged. Rate limits protect capacity; they must
// not turn a Redis outage into a platform outage.
type RedisLimiter struct {
	log    *zap.Logger
	client *redis.Client
}

// OpenLimiter connects to Redis at address (redis:// url) and verifies the
// connection.
func OpenLimiter(ctx context.Context, log *zap.Logger, address string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.New("invalid address: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Combine(Error.New("ping failed: %v", err), client.Close())
	}
	return &RedisLimiter{log: log, client: client}, nil
}

// Allow increments the counter for key and reports whether the count is
// still within limit. The window starts at the first hit.
func (limiter *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	count, err := checkAndIncr.Run(ctx, limiter.client, []string{key}, seconds).Int64()
	if err != nil {
		limiter.log.Warn("rate limit store unavailable, failing open",
			zap.String("key", key), zap.Error(err))
		return Result{Allowed: true, Limit: limit}, nil
	}

	return Result{
		Allowed: count <= int64(limit),
		Count:   count,
		Limit:   limit,
	}, nil
}

// Close releases the Redis connection.
func (limiter *RedisLimiter) Close() error {
	return Error.Wrap(limiter.client.Close())
}
