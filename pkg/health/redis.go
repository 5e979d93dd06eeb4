package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kinorez/stagehand/pkg/types"
)

// RedisChecker verifies a Redis backend with a PING round-trip
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(addr, password string, db int) *RedisChecker {
	return &RedisChecker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Check performs the Redis PING probe
func (r *RedisChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("ping failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "PONG",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Kind returns the probe kind
func (r *RedisChecker) Kind() types.ProbeKind {
	return types.ProbeRedis
}

// Close releases the underlying client
func (r *RedisChecker) Close() error {
	return r.client.Close()
}
