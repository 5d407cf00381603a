// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package tag

import (
	"sync"

	"go.uber.org/atomic"
)

// State is the mutable runtime state of one tag. It is created at startup
// from configuration, written only by the tag manager, and never
// destroyed during runtime.
type State struct {
	mu            sync.RWMutex
	currentValue  Value
	lastGoodValue *Value

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
	ErrorCount atomic.Uint64
}

// NewState returns a State holding a valueless BAD_NOT_CONNECTED sample,
// the condition of every tag before its first poll.
func NewState() *State {
	return &State{
		currentValue: NewBadValue(QualityBadNotConnected),
	}
}

// Update records a new sample. Good samples also refresh the last-good
// value. It returns true when the sample differs from the previous one.
func (s *State) Update(v Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := !s.currentValue.Equal(v)
	s.currentValue = v
	if v.Quality.IsGood() {
		good := v
		s.lastGoodValue = &good
	}
	return changed
}

// Current returns the latest sample
func (s *State) Current() Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentValue
}

// LastGood returns the latest Good sample, or false if none was ever seen
func (s *State) LastGood() (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastGoodValue == nil {
		return Value{}, false
	}
	return *s.lastGoodValue, true
}

// Degrade downgrades the current sample after a communication loss:
// UNCERTAIN_NO_COMM_LAST_USABLE when a prior good value exists,
// BAD_NO_COMMUNICATION otherwise. Returns the resulting sample and
// whether it changed.
func (s *State) Degrade() (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v Value
	if s.lastGoodValue != nil {
		v = s.lastGoodValue.Degraded()
	} else {
		v = NewBadValue(QualityBadNoCommunication)
	}
	changed := !s.currentValue.Equal(v)
	s.currentValue = v
	return v, changed
}
