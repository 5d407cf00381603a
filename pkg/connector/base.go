// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package connector

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	// Backoff is capped at 30s regardless of the attempt count
	maxBackoffDuration = 30 * time.Second
	// jitterFraction is the ±10% uniform jitter applied to every backoff
	jitterFraction = 0.1
	defaultMaxRetries = 10
)

// BackoffConfig parameterizes the reconnect policy shared by all adapters
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = defaultBackoffBase
	}
	if c.Max <= 0 || c.Max > maxBackoffDuration {
		c.Max = maxBackoffDuration
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// base carries the health tracking, the serialization lock around
// connect/reconnect, and the backoff state shared by every adapter.
type base struct {
	name    string
	backoff BackoffConfig

	// connMu serializes connect, disconnect and reconnect
	connMu sync.Mutex

	healthMu          sync.RWMutex
	state             State
	lastSuccess       time.Time
	lastError         time.Time
	lastErrorMessage  string
	consecutiveErrors int
	attempts          int

	totalReads  atomic.Uint64
	totalWrites atomic.Uint64
	totalErrors atomic.Uint64

	sleep func(ctx context.Context, d time.Duration) bool
}

func newBase(name string, backoff BackoffConfig) base {
	return base{
		name:    name,
		backoff: backoff.withDefaults(),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Name returns the connector name
func (b *base) Name() string { return b.name }

// Health returns a snapshot of the adapter condition
func (b *base) Health() Health {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return Health{
		State:             b.state,
		LastSuccess:       b.lastSuccess,
		LastError:         b.lastError,
		LastErrorMessage:  b.lastErrorMessage,
		ConsecutiveErrors: b.consecutiveErrors,
		TotalReads:        b.totalReads.Load(),
		TotalWrites:       b.totalWrites.Load(),
		TotalErrors:       b.totalErrors.Load(),
	}
}

func (b *base) setState(s State) {
	b.healthMu.Lock()
	b.state = s
	b.healthMu.Unlock()
}

func (b *base) currentState() State {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.state
}

// recordSuccess resets the error streak and the backoff state. Any
// success counts: a read, a write, or a fresh connection.
func (b *base) recordSuccess() {
	b.healthMu.Lock()
	b.lastSuccess = time.Now()
	b.consecutiveErrors = 0
	b.attempts = 0
	b.healthMu.Unlock()
}

func (b *base) recordRead()  { b.totalReads.Inc(); b.recordSuccess() }
func (b *base) recordWrite() { b.totalWrites.Inc(); b.recordSuccess() }

func (b *base) recordError(err error) {
	b.totalErrors.Inc()
	b.healthMu.Lock()
	b.lastError = time.Now()
	b.lastErrorMessage = err.Error()
	b.consecutiveErrors++
	b.healthMu.Unlock()
}

// backoffDuration computes min(base*2^(n-1), max) with ±10% jitter
func (b *base) backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(b.backoff.Base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(b.backoff.Max) {
		backoff = float64(b.backoff.Max)
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(backoff * jitter)
}

// reconnect runs the shared reconnect policy around an adapter's connect
// function. It holds the serialization lock for the whole cycle so that
// concurrent callers cannot interleave transport setup.
func (b *base) reconnect(ctx context.Context, connect func(ctx context.Context) error) bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.currentState() == StateConnected {
		b.healthMu.RLock()
		clean := b.consecutiveErrors == 0
		b.healthMu.RUnlock()
		if clean {
			return true
		}
	}

	b.healthMu.Lock()
	b.attempts++
	attempt := b.attempts
	b.healthMu.Unlock()

	if attempt > b.backoff.MaxRetries {
		log.Errorf("connector %s: retry ceiling (%d) reached, giving up", b.name, b.backoff.MaxRetries)
		b.setState(StateError)
		return false
	}

	b.setState(StateReconnecting)
	wait := b.backoffDuration(attempt)
	log.Debugf("connector %s: reconnect attempt %d in %s", b.name, attempt, wait)
	if !b.sleep(ctx, wait) {
		return false
	}

	if err := connect(ctx); err != nil {
		b.recordError(err)
		log.Warnf("connector %s: reconnect attempt %d failed: %v", b.name, attempt, err)
		return b.currentState() != StateError
	}

	b.setState(StateConnected)
	b.recordSuccess()
	log.Infof("connector %s: reconnected", b.name)
	return true
}
