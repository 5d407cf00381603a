// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowlist(t *testing.T) {
	c := NewController(Config{Allowlist: []string{"valve_cmd", "pump_cmd"}})

	assert.True(t, c.ValidateWrite("valve_cmd").Allowed)
	d := c.ValidateWrite("reactor_setpoint")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "allowlist")

	// Empty allowlist allows everything
	open := NewController(Config{})
	assert.True(t, open.ValidateWrite("anything").Allowed)
}

func TestRateLimit(t *testing.T) {
	c := NewController(Config{MaxWritesPerSecond: 1, Burst: 2})

	assert.True(t, c.CheckRateLimit())
	assert.True(t, c.CheckRateLimit())
	assert.False(t, c.CheckRateLimit(), "bucket exhausted after burst")

	// No limiter configured
	open := NewController(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, open.CheckRateLimit())
	}
}

func TestSafeStateValuesIsACopy(t *testing.T) {
	c := NewController(Config{SafeState: map[string]interface{}{"valve_cmd": false, "speed_sp": 0}})

	values := c.SafeStateValues()
	assert.Len(t, values, 2)
	values["valve_cmd"] = true

	assert.Equal(t, false, c.SafeStateValues()["valve_cmd"])
}

func TestCheckServiceInterlocks(t *testing.T) {
	e := NewInterlockEvaluator(map[string][]InterlockBinding{
		"Dosing": {
			{SourceTag: "valve_safe", RequiredValue: true, Message: "safety valve not closed"},
		},
	})

	d := e.CheckServiceInterlocks("Dosing", map[string]interface{}{"valve_safe": false})
	assert.True(t, d.Interlocked)
	assert.Equal(t, "safety valve not closed", d.Reason)

	d = e.CheckServiceInterlocks("Dosing", map[string]interface{}{"valve_safe": true})
	assert.False(t, d.Interlocked)

	// Missing source tag counts as violated
	d = e.CheckServiceInterlocks("Dosing", map[string]interface{}{})
	assert.True(t, d.Interlocked)

	// Services without bindings are never interlocked
	d = e.CheckServiceInterlocks("Mix", nil)
	assert.False(t, d.Interlocked)
}

func TestInterlockNumericEquality(t *testing.T) {
	e := NewInterlockEvaluator(map[string][]InterlockBinding{
		"Heat": {{SourceTag: "mode", RequiredValue: 2}},
	})

	// The PLC reports an int32 where config said int
	d := e.CheckServiceInterlocks("Heat", map[string]interface{}{"mode": int32(2)})
	assert.False(t, d.Interlocked)

	d = e.CheckServiceInterlocks("Heat", map[string]interface{}{"mode": int32(3)})
	assert.True(t, d.Interlocked)
}
