// Package runcontrol carries operator cancellation requests to running syncs,
// which may live in another process.
package runcontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go-crm-sync/internal/config"
)

// ErrCancelRequested is the cause attached to a run context stopped by an
// operator.
var ErrCancelRequested = errors.New("cancellation requested")

const keyPrefix = "crm_sync:cancel:"

type Control interface {
	RequestCancel(ctx context.Context, integrationID string) error
	IsCancelled(ctx context.Context, integrationID string) (bool, error)
	Clear(ctx context.Context, integrationID string) error
}

type RedisControl struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisControl keeps flags for one claim lease so an abandoned request
// cannot cancel a much later run.
func NewRedisControl(client *redis.Client, cfg *config.Config) Control {
	ttl := cfg.ClaimLease
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisControl{client: client, ttl: ttl}
}

func (r *RedisControl) RequestCancel(ctx context.Context, integrationID string) error {
	if err := r.client.Set(ctx, keyPrefix+integrationID, time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

func (r *RedisControl) IsCancelled(ctx context.Context, integrationID string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+integrationID).Result()
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return n > 0, nil
}

func (r *RedisControl) Clear(ctx context.Context, integrationID string) error {
	if err := r.client.Del(ctx, keyPrefix+integrationID).Err(); err != nil {
		return fmt.Errorf("clear cancel flag: %w", err)
	}
	return nil
}

// MemoryControl is a process-local Control.
type MemoryControl struct {
	mu    sync.Mutex
	flags map[string]bool
}

func NewMemoryControl() *MemoryControl {
	return &MemoryControl{flags: make(map[string]bool)}
}

func (m *MemoryControl) RequestCancel(_ context.Context, integrationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[integrationID] = true
	return nil
}

func (m *MemoryControl) IsCancelled(_ context.Context, integrationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[integrationID], nil
}

func (m *MemoryControl) Clear(_ context.Context, integrationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, integrationID)
	return nil
}

// Watch polls c every interval until ctx ends and calls cancel with
// ErrCancelRequested once the flag for integrationID appears. Read errors
// are skipped; the next tick tries again.
func Watch(ctx context.Context, c Control, integrationID string, every time.Duration, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if ok, err := c.IsCancelled(ctx, integrationID); err == nil && ok {
			cancel(ErrCancelRequested)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
