package runcontrol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-crm-sync/internal/config"
)

func newRedisControl(t *testing.T) (Control, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisControl(client, &config.Config{ClaimLease: time.Minute}), mr
}

func TestRedisControlFlagLifecycle(t *testing.T) {
	c, mr := newRedisControl(t)
	ctx := context.Background()

	ok, err := c.IsCancelled(ctx, "int-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.RequestCancel(ctx, "int-1"))
	ok, err = c.IsCancelled(ctx, "int-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"int-1"))

	ok, _ = c.IsCancelled(ctx, "int-2")
	assert.False(t, ok)

	require.NoError(t, c.Clear(ctx, "int-1"))
	ok, _ = c.IsCancelled(ctx, "int-1")
	assert.False(t, ok)
}

func TestRedisControlFlagExpires(t *testing.T) {
	c, mr := newRedisControl(t)
	ctx := context.Background()
	require.NoError(t, c.RequestCancel(ctx, "int-1"))

	mr.FastForward(2 * time.Minute)

	ok, err := c.IsCancelled(ctx, "int-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisControlSurfacesOutage(t *testing.T) {
	c, mr := newRedisControl(t)
	mr.Close()

	_, err := c.IsCancelled(context.Background(), "int-1")
	assert.Error(t, err)
}

func TestWatchCancelsRunContext(t *testing.T) {
	c := NewMemoryControl()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	done := make(chan struct{})
	go func() {
		Watch(ctx, c, "int-1", 5*time.Millisecond, cancel)
		close(done)
	}()

	require.NoError(t, c.RequestCancel(context.Background(), "int-1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.True(t, errors.Is(context.Cause(ctx), ErrCancelRequested))
}

func TestWatchStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, NewMemoryControl(), "int-1", time.Millisecond, cancel)
		close(done)
	}()

	cancel(nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.True(t, errors.Is(context.Cause(ctx), context.Canceled))
}
