package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidArgs(t *testing.T) {
	assert.Nil(t, New(0, 1, 0))
	assert.Nil(t, New(1, 0, 0))
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	assert.True(t, l.Allow("alice@example.org", time.Now()))
	assert.Zero(t, l.Len())
	l.Forget("alice@example.org")
}

func TestAllowEnforcesBurstPerBarePeer(t *testing.T) {
	l := New(1, 2, time.Minute)
	require.NotNil(t, l)
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, l.Allow("alice@example.org/phone", now))
	assert.True(t, l.Allow("ALICE@example.org/tablet", now))
	assert.False(t, l.Allow("alice@example.org", now))
	assert.True(t, l.Allow("bob@example.org", now))
	assert.Equal(t, 2, l.Len())

	assert.True(t, l.Allow("alice@example.org", now.Add(time.Second)))
}

func TestForgetResetsBucket(t *testing.T) {
	l := New(0.001, 1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	require.True(t, l.Allow("alice@example.org", now))
	require.False(t, l.Allow("alice@example.org", now))

	l.Forget("alice@example.org")
	assert.True(t, l.Allow("alice@example.org", now))
}

func TestIdleBucketsAreSwept(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Unix(1_700_000_000, 0)
	l.Allow("idle@example.org", start)

	later := start.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("busy@example.org", later)
	}
	assert.Equal(t, 1, l.Len())
}
