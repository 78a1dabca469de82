// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, limit int, window time.Duration) (*miniredis.Miniredis, *SwitchLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewSwitchLimiter(client, "", limit, window)
}

func TestAllowWithinLimit(t *testing.T) {
	_, l := setupLimiter(t, 3, time.Hour)
	ctx := context.Background()
	id := uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, retryAfter, err := l.Allow(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestSessionsHaveIndependentBudgets(t *testing.T) {
	_, l := setupLimiter(t, 1, time.Hour)
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = l.Allow(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindowResets(t *testing.T) {
	mr, l := setupLimiter(t, 1, time.Second)
	ctx := context.Background()
	id := uuid.NewString()

	ok, _, err := l.Allow(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = l.Allow(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	// The counter key expires with the window, opening a new one.
	mr.FastForward(2 * time.Second)

	ok, _, err = l.Allow(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewSwitchLimiter(client, "", 2, time.Hour)
	b := NewSwitchLimiter(client, "", 2, time.Hour)
	ctx := context.Background()
	id := uuid.NewString()

	ok, _, err := a.Allow(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, err = b.Allow(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	// The budget is shared; a third hit anywhere is rejected.
	ok, _, err = a.Allow(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}
