// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package safety

import (
	"fmt"
	"reflect"
	"sync"
)

// InterlockBinding ties a source tag to the value it must hold for the
// bound service to be allowed to start.
type InterlockBinding struct {
	SourceTag     string
	RequiredValue interface{}
	Message       string
}

// InterlockDecision is the outcome of an interlock check
type InterlockDecision struct {
	Interlocked bool
	Reason      string
}

// InterlockEvaluator answers "is this service currently interlocked"
// against a snapshot of source-tag values. Bindings reference tags by
// name, never by pointer, so there is no object graph to traverse at
// decision time.
type InterlockEvaluator struct {
	mu       sync.RWMutex
	bindings map[string][]InterlockBinding // service name -> bindings
}

// NewInterlockEvaluator builds an evaluator from per-service bindings
func NewInterlockEvaluator(bindings map[string][]InterlockBinding) *InterlockEvaluator {
	copied := make(map[string][]InterlockBinding, len(bindings))
	for svc, b := range bindings {
		copied[svc] = append([]InterlockBinding(nil), b...)
	}
	return &InterlockEvaluator{bindings: copied}
}

// BindingsFor returns the bindings configured for a service
func (e *InterlockEvaluator) BindingsFor(service string) []InterlockBinding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]InterlockBinding(nil), e.bindings[service]...)
}

// CheckServiceInterlocks evaluates every binding of the service against
// the snapshot. The first violated binding wins; its message becomes the
// reason. A source tag missing from the snapshot counts as violated.
func (e *InterlockEvaluator) CheckServiceInterlocks(service string, snapshot map[string]interface{}) InterlockDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, b := range e.bindings[service] {
		current, ok := snapshot[b.SourceTag]
		if ok && valuesEqual(current, b.RequiredValue) {
			continue
		}
		reason := b.Message
		if reason == "" {
			reason = fmt.Sprintf("interlock: tag %q is %v, requires %v", b.SourceTag, current, b.RequiredValue)
		}
		return InterlockDecision{Interlocked: true, Reason: reason}
	}
	return InterlockDecision{}
}

// valuesEqual compares snapshot and required values, treating all numeric
// types as comparable so an int64 snapshot matches a float64 requirement.
func valuesEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
