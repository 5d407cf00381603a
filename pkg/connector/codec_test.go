// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

func TestDecodeFloat32BigBig(t *testing.T) {
	// Registers [0x4120, 0x0000] big byte / big word decode to 10.0
	raw := []byte{0x41, 0x20, 0x00, 0x00}
	v, err := decodeRegisters(raw, tag.TypeFloat32, tag.BigEndian, tag.WordBigEndian)
	require.NoError(t, err)
	assert.Equal(t, float32(10.0), v)
}

func TestDecodeFloat32WordSwapped(t *testing.T) {
	// Same value with the words swapped on the wire
	raw := []byte{0x00, 0x00, 0x41, 0x20}
	v, err := decodeRegisters(raw, tag.TypeFloat32, tag.BigEndian, tag.WordLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, float32(10.0), v)
}

func TestDecodeByteSwapped(t *testing.T) {
	raw := []byte{0x20, 0x41, 0x00, 0x00}
	v, err := decodeRegisters(raw, tag.TypeFloat32, tag.LittleEndian, tag.WordBigEndian)
	require.NoError(t, err)
	assert.Equal(t, float32(10.0), v)
}

func TestDecodeIntegers(t *testing.T) {
	v, err := decodeRegisters([]byte{0xFF, 0xFE}, tag.TypeInt16, tag.BigEndian, tag.WordBigEndian)
	require.NoError(t, err)
	assert.Equal(t, int16(-2), v)

	v, err = decodeRegisters([]byte{0x00, 0x01, 0x00, 0x00}, tag.TypeUInt32, tag.BigEndian, tag.WordBigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint32(65536), v)

	_, err = decodeRegisters([]byte{0x00}, tag.TypeInt16, tag.BigEndian, tag.WordBigEndian)
	assert.Error(t, err, "short payload")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type combo struct {
		bo tag.ByteOrder
		wo tag.WordOrder
	}
	combos := []combo{
		{tag.BigEndian, tag.WordBigEndian},
		{tag.BigEndian, tag.WordLittleEndian},
		{tag.LittleEndian, tag.WordBigEndian},
		{tag.LittleEndian, tag.WordLittleEndian},
	}
	for _, c := range combos {
		raw, err := encodeRegisters(float32(123.5), tag.TypeFloat32, c.bo, c.wo)
		require.NoError(t, err)
		v, err := decodeRegisters(raw, tag.TypeFloat32, c.bo, c.wo)
		require.NoError(t, err)
		assert.Equal(t, float32(123.5), v)

		raw, err = encodeRegisters(int64(-7_000_000_000), tag.TypeInt64, c.bo, c.wo)
		require.NoError(t, err)
		v, err = decodeRegisters(raw, tag.TypeInt64, c.bo, c.wo)
		require.NoError(t, err)
		assert.Equal(t, int64(-7_000_000_000), v)
	}
}

func TestBigEndianCodec(t *testing.T) {
	raw, err := encodeBigEndian(float32(10), tag.TypeFloat32)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x20, 0x00, 0x00}, raw)

	v, err := decodeBigEndian(raw, tag.TypeFloat32)
	require.NoError(t, err)
	assert.Equal(t, float32(10), v)

	// A DWord read by a non-float tag keeps integer semantics
	v, err = decodeBigEndian([]byte{0x41, 0x20, 0x00, 0x00}, tag.TypeUInt32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x41200000), v)

	_, err = encodeBigEndian("text", tag.TypeString)
	assert.Error(t, err)
}
