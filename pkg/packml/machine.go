// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package packml

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// Callback runs on entry to or exit from a state. A callback error stops the
// remaining callbacks registered for that state but never rolls back the
// transition itself.
type Callback func(ctx context.Context, from, to State) error

// TransitionResult reports the outcome of a command or completion
type TransitionResult struct {
	Success   bool
	FromState State
	ToState   State
	Err       error
}

// Machine is a single service's PackML state machine. All operations on one
// machine are serialized; callbacks run under the machine lock so observers
// see transitions in order.
type Machine struct {
	mu      sync.Mutex
	name    string
	state   State
	onEnter map[State][]Callback
	onExit  map[State][]Callback
}

// NewMachine returns a machine in IDLE
func NewMachine(name string) *Machine {
	return &Machine{
		name:    name,
		state:   StateIdle,
		onEnter: map[State][]Callback{},
		onExit:  map[State][]Callback{},
	}
}

// Name returns the service name the machine belongs to
func (m *Machine) Name() string {
	return m.name
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnEnter registers a callback fired after the machine enters the state
func (m *Machine) OnEnter(s State, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[s] = append(m.onEnter[s], cb)
}

// OnExit registers a callback fired before the machine leaves the state
func (m *Machine) OnExit(s State, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[s] = append(m.onExit[s], cb)
}

// SendCommand applies a PackML command. Commands not present in the
// transition table for the current state fail without side effects.
func (m *Machine) SendCommand(ctx context.Context, cmd Command) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !cmd.Valid() {
		return TransitionResult{
			FromState: from,
			ToState:   from,
			Err:       errors.Errorf("service %s: invalid command %d", m.name, int(cmd)),
		}
	}
	to, ok := TransitionFor(from, cmd)
	if !ok {
		return TransitionResult{
			FromState: from,
			ToState:   from,
			Err:       errors.Errorf("service %s: command %s not allowed in state %s", m.name, cmd, from),
		}
	}
	m.transitionLocked(ctx, to)
	return TransitionResult{Success: true, FromState: from, ToState: to}
}

// CompleteActingState moves an acting state to its completion target.
// Calling it from a stable state fails.
func (m *Machine) CompleteActingState(ctx context.Context) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	to, ok := CompletionFor(from)
	if !ok {
		return TransitionResult{
			FromState: from,
			ToState:   from,
			Err:       errors.Errorf("service %s: state %s is not an acting state", m.name, from),
		}
	}
	m.transitionLocked(ctx, to)
	return TransitionResult{Success: true, FromState: from, ToState: to}
}

// AdoptExternalState moves the machine to a state observed on the device,
// bypassing the command table but still firing callbacks. Used by proxy
// synchronization where the device owns the state machine.
func (m *Machine) AdoptExternalState(ctx context.Context, to State) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !to.Valid() {
		return TransitionResult{
			FromState: from,
			ToState:   from,
			Err:       errors.Errorf("service %s: cannot adopt invalid state %d", m.name, int(to)),
		}
	}
	if to == from {
		return TransitionResult{Success: true, FromState: from, ToState: from}
	}
	m.transitionLocked(ctx, to)
	return TransitionResult{Success: true, FromState: from, ToState: to}
}

// ForceState sets the state without firing callbacks. Used for recovery on
// startup, before any observer is attached.
func (m *Machine) ForceState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Machine) transitionLocked(ctx context.Context, to State) {
	from := m.state
	for i, cb := range m.onExit[from] {
		if err := cb(ctx, from, to); err != nil {
			log.Warnf("service %s: exit callback %d for %s failed: %v", m.name, i, from, err)
			break
		}
	}
	m.state = to
	for i, cb := range m.onEnter[to] {
		if err := cb(ctx, from, to); err != nil {
			log.Warnf("service %s: enter callback %d for %s failed: %v", m.name, i, to, err)
			break
		}
	}
	log.Debugf("service %s: %s -> %s", m.name, from, to)
}
