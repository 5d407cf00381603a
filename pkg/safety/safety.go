// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package safety gates outbound writes: a writable-tag allowlist, a
// token-bucket rate limit, a safe-state output map for emergency stop,
// and the boolean interlock bindings that inhibit service starts.
package safety

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// WriteDecision is the outcome of validating a write against the controller
type WriteDecision struct {
	Allowed bool
	Reason  string
}

// Config configures a Controller
type Config struct {
	// Allowlist restricts writes to the named tags. Empty means every
	// writable tag is allowed.
	Allowlist []string
	// MaxWritesPerSecond and Burst parameterize the token bucket. Zero
	// disables rate limiting.
	MaxWritesPerSecond float64
	Burst              int
	// SafeState maps tag names to the value forced on emergency stop.
	SafeState map[string]interface{}
}

// Controller enforces the write policy. All methods are safe for
// concurrent use.
type Controller struct {
	mu        sync.RWMutex
	allowlist map[string]struct{}
	limiter   *rate.Limiter
	safeState map[string]interface{}
}

// NewController builds a Controller from config
func NewController(cfg Config) *Controller {
	c := &Controller{
		safeState: make(map[string]interface{}, len(cfg.SafeState)),
	}
	if len(cfg.Allowlist) > 0 {
		c.allowlist = make(map[string]struct{}, len(cfg.Allowlist))
		for _, name := range cfg.Allowlist {
			c.allowlist[name] = struct{}{}
		}
	}
	if cfg.MaxWritesPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxWritesPerSecond), burst)
	}
	for name, value := range cfg.SafeState {
		c.safeState[name] = value
	}
	return c
}

// ValidateWrite checks the allowlist for the given tag
func (c *Controller) ValidateWrite(tagName string) WriteDecision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.allowlist != nil {
		if _, ok := c.allowlist[tagName]; !ok {
			return WriteDecision{Reason: fmt.Sprintf("tag %q is not on the write allowlist", tagName)}
		}
	}
	return WriteDecision{Allowed: true}
}

// CheckRateLimit consumes one token, returning false when the bucket is
// exhausted.
func (c *Controller) CheckRateLimit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// SafeStateValues returns a copy of the safe-state output map
func (c *Controller) SafeStateValues() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]interface{}, len(c.safeState))
	for name, value := range c.safeState {
		out[name] = value
	}
	return out
}
