package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nes-lab/shepherd-server/internal/domain"
)

const (
	leaseKey = "shepherd:scheduler:lease"
	leaseTTL = 90 * time.Second
)

// Lease guards the single-writer role. Exactly one scheduler process can hold
// the lease; a second instance fails fast at startup instead of racing the
// queue. With no Redis configured the lease degrades to a no-op for
// single-host deployments.
type Lease struct {
	client *redis.Client
	id     string
}

func NewLease(redisURL, holderID string) (*Lease, error) {
	if redisURL == "" {
		return &Lease{}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=lease.new: %w", err)
	}
	return &Lease{client: redis.NewClient(opts), id: holderID}, nil
}

// Acquire takes the lease or fails with ErrConflict when another scheduler
// holds it.
func (l *Lease) Acquire(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	ok, err := l.client.SetNX(ctx, leaseKey, l.id, leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("op=lease.acquire: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, leaseKey).Result()
		return fmt.Errorf("op=lease.acquire holder=%s: %w", holder, domain.ErrConflict)
	}
	return nil
}

// Refresh extends the TTL; it fails when the lease was lost to someone else.
func (l *Lease) Refresh(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	holder, err := l.client.Get(ctx, leaseKey).Result()
	if err != nil || holder != l.id {
		return fmt.Errorf("op=lease.refresh holder=%q: %w", holder, domain.ErrConflict)
	}
	if err := l.client.Expire(ctx, leaseKey, leaseTTL).Err(); err != nil {
		return fmt.Errorf("op=lease.refresh: %w", err)
	}
	return nil
}

// Release drops the lease if still held by this process.
func (l *Lease) Release(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	holder, err := l.client.Get(ctx, leaseKey).Result()
	if err == nil && holder == l.id {
		return l.client.Del(ctx, leaseKey).Err()
	}
	return nil
}
