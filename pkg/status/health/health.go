// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package health tracks the liveness of the gateway's long-running loops:
// connector pollers, service sync loops, completion monitors, the
// broadcaster and the history flusher. Each loop registers once, pings on
// every cycle and deregisters on shutdown.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a component may stay silent before it is
// reported unhealthy. Poll loops ping at least once per poll interval, so
// this leaves plenty of slack for slow field devices.
const DefaultTimeout = 30 * time.Second

// ID objects are returned when registering and are to be used when pinging
type ID string

// Status represents the current status of registered components
type Status struct {
	Healthy   []string `json:"healthy"`
	Unhealthy []string `json:"unhealthy"`
}

type component struct {
	name       string
	timeout    time.Duration
	latestPing time.Time
}

type componentCatalog struct {
	sync.RWMutex
	components map[ID]*component
}

var catalog = componentCatalog{
	components: make(map[ID]*component),
}

// Register a component with the default timeout, returns a token
func Register(name string) ID {
	return RegisterWithCustomTimeout(name, DefaultTimeout)
}

// RegisterWithCustomTimeout allows to register with a custom timeout duration
func RegisterWithCustomTimeout(name string, timeout time.Duration) ID {
	catalog.Lock()
	defer catalog.Unlock()

	id := ID(name)
	_, taken := catalog.components[id]
	if taken {
		for n := 2; n < 100; n++ {
			// Loop to 99 to avoid introducing an infinite loop.
			newid := ID(fmt.Sprintf("%s-%d", name, n))
			_, taken = catalog.components[newid]
			if !taken {
				id = newid
				break
			}
		}
	}

	catalog.components[id] = &component{
		name:       name,
		timeout:    timeout,
		latestPing: time.Now(), // A loop counts as alive until its first timeout elapses
	}

	return id
}

// Deregister a component from the healthcheck
func Deregister(token ID) error {
	catalog.Lock()
	defer catalog.Unlock()
	if _, found := catalog.components[token]; !found {
		return fmt.Errorf("component %s not registered", token)
	}
	delete(catalog.components, token)
	return nil
}

// Ping is to be called regularly by components to signal they are still healthy
func Ping(token ID) error {
	return registerPing(token, time.Now())
}

// registerPing is private and used for unit testing
func registerPing(token ID, timestamp time.Time) error {
	catalog.Lock()
	defer catalog.Unlock()
	c, found := catalog.components[token]
	if !found {
		return fmt.Errorf("component %s not registered", token)
	}
	c.latestPing = timestamp
	return nil
}

// GetStatus allows to query the health status of the gateway
func GetStatus() Status {
	status := Status{}
	now := time.Now()

	catalog.RLock()
	defer catalog.RUnlock()

	for _, c := range catalog.components {
		if now.After(c.latestPing.Add(c.timeout)) {
			status.Unhealthy = append(status.Unhealthy, c.name)
		} else {
			status.Healthy = append(status.Healthy, c.name)
		}
	}
	sort.Strings(status.Healthy)
	sort.Strings(status.Unhealthy)
	return status
}

// IsHealthy reports whether no registered component timed out
func IsHealthy() bool {
	return len(GetStatus().Unhealthy) == 0
}

// reset is used for unit testing
func reset() {
	catalog.Lock()
	for token := range catalog.components {
		delete(catalog.components, token)
	}
	catalog.Unlock()
}
