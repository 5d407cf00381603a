// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package connector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(b *base) {
	b.sleep = func(context.Context, time.Duration) bool { return true }
}

func TestBackoffDurationBounds(t *testing.T) {
	b := newBase("test", BackoffConfig{Base: time.Second, Max: 30 * time.Second})

	for attempt := 1; attempt <= 12; attempt++ {
		d := b.backoffDuration(attempt)
		ideal := float64(time.Second) * float64(int(1)<<uint(attempt-1))
		if ideal > float64(30*time.Second) {
			ideal = float64(30 * time.Second)
		}
		// ±10% jitter around the ideal duration
		assert.GreaterOrEqual(t, float64(d), ideal*0.9, "attempt %d", attempt)
		assert.LessOrEqual(t, float64(d), ideal*1.1, "attempt %d", attempt)
	}
}

func TestBackoffCapAt30s(t *testing.T) {
	b := newBase("test", BackoffConfig{Base: time.Second, Max: 5 * time.Minute})
	// The cap wins over a configured max beyond 30s
	d := b.backoffDuration(50)
	limit := float64(30*time.Second) * 1.1
	assert.LessOrEqual(t, d, time.Duration(limit))
}

func TestReconnectCeiling(t *testing.T) {
	b := newBase("test", BackoffConfig{Base: time.Millisecond, MaxRetries: 3})
	noSleep(&b)

	calls := 0
	fail := func(context.Context) error {
		calls++
		return fmt.Errorf("connection refused")
	}

	for i := 0; i < 3; i++ {
		assert.True(t, b.reconnect(context.Background(), fail), "attempts below the ceiling keep the adapter retryable")
	}
	assert.False(t, b.reconnect(context.Background(), fail), "ceiling reached")
	assert.Equal(t, StateError, b.currentState())
	assert.Equal(t, 3, calls, "the over-ceiling attempt never dials")
}

func TestReconnectSuccessResetsBackoff(t *testing.T) {
	b := newBase("test", BackoffConfig{Base: time.Millisecond, MaxRetries: 3})
	noSleep(&b)

	fail := func(context.Context) error { return fmt.Errorf("nope") }
	ok := func(context.Context) error { return nil }

	require.True(t, b.reconnect(context.Background(), fail))
	require.True(t, b.reconnect(context.Background(), ok))
	assert.Equal(t, StateConnected, b.currentState())

	h := b.Health()
	assert.True(t, h.Healthy())
	assert.Equal(t, 0, h.ConsecutiveErrors)

	// Backoff restarts from attempt one after the success
	b.healthMu.RLock()
	attempts := b.attempts
	b.healthMu.RUnlock()
	assert.Equal(t, 0, attempts)
}

func TestHealthTracking(t *testing.T) {
	b := newBase("test", BackoffConfig{})

	h := b.Health()
	assert.Equal(t, StateDisconnected, h.State)
	assert.False(t, h.Healthy())

	b.setState(StateConnected)
	b.recordRead()
	b.recordWrite()
	h = b.Health()
	assert.True(t, h.Healthy())
	assert.Equal(t, uint64(1), h.TotalReads)
	assert.Equal(t, uint64(1), h.TotalWrites)

	b.recordError(fmt.Errorf("timeout"))
	h = b.Health()
	assert.False(t, h.Healthy(), "consecutive errors break health even while connected")
	assert.Equal(t, 1, h.ConsecutiveErrors)
	assert.Equal(t, "timeout", h.LastErrorMessage)
	assert.Equal(t, uint64(1), h.TotalErrors)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "RECONNECTING", StateReconnecting.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
}
