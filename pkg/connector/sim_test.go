// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

func TestSimulatorLifecycle(t *testing.T) {
	sim := NewSimulator("plc1", map[string]interface{}{"temp": 21.5})
	ctx := context.Background()

	// Reads before connect report no communication
	values := sim.ReadTags(ctx, []string{"temp"})
	assert.Equal(t, tag.QualityBadNoCommunication, values["temp"].Quality)

	require.NoError(t, sim.Connect(ctx))
	require.NoError(t, sim.Connect(ctx), "connect is idempotent")

	values = sim.ReadTags(ctx, []string{"temp", "missing"})
	assert.Equal(t, 21.5, values["temp"].Value)
	assert.Equal(t, tag.QualityGood, values["temp"].Quality)
	assert.Equal(t, tag.QualityBadConfigError, values["missing"].Quality)

	assert.True(t, sim.Health().Healthy())
	require.NoError(t, sim.Disconnect())
	assert.Equal(t, StateStopped, sim.Health().State)
}

func TestSimulatorUnreachable(t *testing.T) {
	sim := NewSimulator("plc1", nil)
	sim.SetUnreachable(true)

	assert.Error(t, sim.Connect(context.Background()))
	assert.False(t, sim.Health().Healthy())

	sim.SetUnreachable(false)
	noSleep(&sim.base)
	assert.True(t, sim.Reconnect(context.Background()))
	assert.True(t, sim.Health().Healthy())
}

func TestSimulatorWriteTagValue(t *testing.T) {
	sim := NewSimulator("plc1", map[string]interface{}{"sp": int16(0)})
	ctx := context.Background()
	require.NoError(t, sim.Connect(ctx))

	def := &tag.Tag{Name: "sp", Address: "sp", DataType: tag.TypeInt16, Writable: true}
	assert.True(t, sim.WriteTagValue(ctx, def, 42))
	v, _ := sim.Get("sp")
	assert.Equal(t, int16(42), v)

	// Coercion failures refuse the write
	assert.False(t, sim.WriteTagValue(ctx, def, 1e9))
	v, _ = sim.Get("sp")
	assert.Equal(t, int16(42), v, "failed write leaves the value untouched")
}

func TestSimulatorReadTagValues(t *testing.T) {
	sim := NewSimulator("plc1", map[string]interface{}{"a": 1, "b": 2})
	ctx := context.Background()
	require.NoError(t, sim.Connect(ctx))

	tags := []*tag.Tag{
		{Name: "first", Address: "a", DataType: tag.TypeInt32},
		{Name: "second", Address: "b", DataType: tag.TypeInt32},
	}
	values := sim.ReadTagValues(ctx, tags)
	assert.Equal(t, 1, values["first"].Value)
	assert.Equal(t, 2, values["second"].Value)

	sim.FailReads(true)
	values = sim.ReadTagValues(ctx, tags)
	assert.Equal(t, tag.QualityBadNoCommunication, values["first"].Quality)
	assert.False(t, sim.Health().Healthy())
}
