package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBurstThenRefill(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "u1", 3)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := m.Allow(ctx, "u1", 3)
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "u2", 3)
	assert.True(t, ok, "keys are independent")

	now = now.Add(20 * time.Second)
	ok, _ = m.Allow(ctx, "u1", 3)
	assert.True(t, ok, "one token refilled after 20s at 3 rpm")
}

func TestMemoryUnlimited(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 100; i++ {
		ok, err := m.Allow(context.Background(), "u1", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestMemoryAllowanceChangeResetsBucket(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ok, _ := m.Allow(ctx, "u1", 1)
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "u1", 1)
	require.False(t, ok)
	ok, _ = m.Allow(ctx, "u1", 5)
	assert.True(t, ok)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	l, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, l)

	l, err = New(ctx, Config{Driver: "none"})
	require.NoError(t, err)
	ok, _ := l.Allow(ctx, "x", 1)
	assert.True(t, ok)

	_, err = New(ctx, Config{Driver: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
