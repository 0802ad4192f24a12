package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EscalationLease is a short-TTL per-request lock for the escalation sweep.
// It prevents two overlapping sweeps (or two scheduler replicas) from
// escalating the same request concurrently. A nil client grants every
// acquisition, for single-instance and test deployments.
type EscalationLease struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewEscalationLease creates a lease manager with the given TTL.
func NewEscalationLease(rdb *redis.Client, ttl time.Duration) *EscalationLease {
	return &EscalationLease{redis: rdb, ttl: ttl}
}

func (l *EscalationLease) key(requestID string) string {
	return fmt.Sprintf("sub008:esc-lease:%s", requestID)
}

// Acquire takes the lease for a request. Returns false when another sweep
// holds it.
func (l *EscalationLease) Acquire(ctx context.Context, requestID string) (bool, error) {
	if l.redis == nil {
		return true, nil
	}
	return l.redis.SetNX(ctx, l.key(requestID), "1", l.ttl).Result()
}

// Release frees the lease early; an expired lease releases itself.
func (l *EscalationLease) Release(ctx context.Context, requestID string) error {
	if l.redis == nil {
		return nil
	}
	return l.redis.Del(ctx, l.key(requestID)).Err()
}
