package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUpToMax(t *testing.T) {
	l := NewLimiter(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.True(t, l.CanProceed(now), "dispatch %d should be permitted", i)
		l.Register(now)
	}

	assert.False(t, l.CanProceed(now))
}

func TestLimiterWindowRolls(t *testing.T) {
	l := NewLimiter(1)
	now := time.Now()

	require.True(t, l.CanProceed(now))
	l.Register(now)
	require.False(t, l.CanProceed(now))

	later := now.Add(WindowLength)
	assert.True(t, l.CanProceed(later))
}

func TestLimiterCheckDoesNotConsume(t *testing.T) {
	l := NewLimiter(1)
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, l.CanProceed(now))
	}
}

func TestLimiterNextWindow(t *testing.T) {
	l := NewLimiter(1)
	now := time.Now()

	l.Register(now)
	assert.Equal(t, now.Add(WindowLength), l.NextWindow(now))
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(0)
	now := time.Now()

	for i := 0; i < 1000; i++ {
		require.True(t, l.CanProceed(now))
		l.Register(now)
	}
}

func TestRegistryKeysByToken(t *testing.T) {
	r := NewRegistry(60)

	a := r.For("token-a", 0)
	b := r.For("token-b", 0)

	assert.NotSame(t, a, b)
	assert.Same(t, a, r.For("token-a", 0))
}

func TestRegistryFirstCreationWins(t *testing.T) {
	r := NewRegistry(60)

	a := r.For("token-a", 5)
	assert.Equal(t, 5, a.Max())

	// A later caller with a different cap shares the existing limiter.
	assert.Equal(t, 5, r.For("token-a", 10).Max())
}
