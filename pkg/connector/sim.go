// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// Simulator is an in-memory connector. It backs example configurations
// and the connector-layer tests; addresses are free-form keys.
type Simulator struct {
	base

	mu          sync.RWMutex
	values      map[string]interface{}
	unreachable bool
	failReads   bool
	failWrites  bool
}

// NewSimulator builds a simulator seeded with the given values
func NewSimulator(name string, seed map[string]interface{}) *Simulator {
	values := make(map[string]interface{}, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Simulator{
		base:   newBase(name, BackoffConfig{}),
		values: values,
	}
}

// SetUnreachable makes Connect fail, simulating a dead endpoint
func (s *Simulator) SetUnreachable(v bool) {
	s.mu.Lock()
	s.unreachable = v
	s.mu.Unlock()
}

// FailReads makes every read fail at the transport level
func (s *Simulator) FailReads(v bool) {
	s.mu.Lock()
	s.failReads = v
	s.mu.Unlock()
}

// FailWrites makes every write fail at the transport level
func (s *Simulator) FailWrites(v bool) {
	s.mu.Lock()
	s.failWrites = v
	s.mu.Unlock()
}

// Set stores a value directly, as if the device changed it
func (s *Simulator) Set(addr string, value interface{}) {
	s.mu.Lock()
	s.values[addr] = value
	s.mu.Unlock()
}

// Get returns the stored value
func (s *Simulator) Get(addr string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[addr]
	return v, ok
}

// Connect is idempotent and fails when the simulator is unreachable
func (s *Simulator) Connect(context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connectLocked()
}

func (s *Simulator) connectLocked() error {
	s.mu.RLock()
	unreachable := s.unreachable
	s.mu.RUnlock()
	if unreachable {
		s.setState(StateDisconnected)
		err := fmt.Errorf("simulator %s is unreachable", s.name)
		s.recordError(err)
		return err
	}
	s.setState(StateConnected)
	s.recordSuccess()
	return nil
}

// Disconnect stops the simulator
func (s *Simulator) Disconnect() error {
	s.setState(StateStopped)
	return nil
}

// Reconnect applies the shared backoff policy
func (s *Simulator) Reconnect(ctx context.Context) bool {
	return s.reconnect(ctx, func(context.Context) error {
		return s.connectLocked()
	})
}

// ReadTags reads raw addresses
func (s *Simulator) ReadTags(_ context.Context, addresses []string) map[string]tag.Value {
	out := make(map[string]tag.Value, len(addresses))
	for _, addr := range addresses {
		out[addr] = s.readOne(addr)
	}
	return out
}

// ReadTagValues reads by tag definition
func (s *Simulator) ReadTagValues(_ context.Context, tags []*tag.Tag) map[string]tag.Value {
	out := make(map[string]tag.Value, len(tags))
	for _, t := range tags {
		out[t.Name] = s.readOne(t.Address)
	}
	return out
}

func (s *Simulator) readOne(addr string) tag.Value {
	if s.currentState() != StateConnected {
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}
	s.mu.RLock()
	failReads := s.failReads
	value, ok := s.values[addr]
	s.mu.RUnlock()

	if failReads {
		s.recordError(fmt.Errorf("simulated read failure for %s", addr))
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}
	if !ok {
		return tag.NewBadValue(tag.QualityBadConfigError)
	}
	s.recordRead()
	return tag.NewValue(value, tag.QualityGood)
}

// WriteTag stores a value
func (s *Simulator) WriteTag(_ context.Context, addr string, value interface{}) error {
	if s.currentState() != StateConnected {
		return fmt.Errorf("simulator %s is not connected", s.name)
	}
	s.mu.Lock()
	failWrites := s.failWrites
	if !failWrites {
		s.values[addr] = value
	}
	s.mu.Unlock()
	if failWrites {
		err := fmt.Errorf("simulated write failure for %s", addr)
		s.recordError(err)
		return err
	}
	s.recordWrite()
	return nil
}

// WriteTagValue coerces to the tag datatype and stores the value
func (s *Simulator) WriteTagValue(ctx context.Context, t *tag.Tag, value interface{}) bool {
	coerced, err := t.DataType.Coerce(value)
	if err != nil {
		return false
	}
	return s.WriteTag(ctx, t.Address, coerced) == nil
}
