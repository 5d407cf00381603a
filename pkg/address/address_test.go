// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModbusRanges(t *testing.T) {
	tests := []struct {
		in       string
		regType  ModbusRegisterType
		address  uint16
	}{
		{"1", Coil, 0},
		{"9999", Coil, 9998},
		{"10001", DiscreteInput, 0},
		{"19999", DiscreteInput, 9998},
		{"30001", InputRegister, 0},
		{"40001", HoldingRegister, 0},
		{"49999", HoldingRegister, 9998},
		{"400001", HoldingRegister, 0},
		{"465536", HoldingRegister, 65535},
		{"100001", DiscreteInput, 0},
		{"000001", Coil, 0},
		{"HR0", HoldingRegister, 0},
		{"DI5", DiscreteInput, 5},
		{"C12", Coil, 12},
		{"IR100", InputRegister, 100},
	}
	for _, tc := range tests {
		a, err := ParseModbus(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.regType, a.RegisterType, tc.in)
		assert.Equal(t, tc.address, a.Address, tc.in)
	}
}

func TestParseModbusBoundaries(t *testing.T) {
	// 9999 is a coil, 10000 is invalid, 10001 is a discrete input
	a, err := ParseModbus("9999")
	require.NoError(t, err)
	assert.Equal(t, Coil, a.RegisterType)

	_, err = ParseModbus("10000")
	assert.Error(t, err)

	a, err = ParseModbus("10001")
	require.NoError(t, err)
	assert.Equal(t, DiscreteInput, a.RegisterType)

	for _, bad := range []string{"0", "20000", "25000", "50000", "99999", "200001", "565536", "abc", ""} {
		_, err := ParseModbus(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseModbusBitAndUnit(t *testing.T) {
	a, err := ParseModbus("2:40001.15")
	require.NoError(t, err)
	assert.Equal(t, 2, a.UnitID)
	assert.Equal(t, HoldingRegister, a.RegisterType)
	assert.Equal(t, uint16(0), a.Address)
	assert.Equal(t, 15, a.Bit)

	_, err = ParseModbus("40001.16")
	assert.Error(t, err, "bit 16 is out of range")

	_, err = ParseModbus("1.3")
	assert.Error(t, err, "bit access on a coil is invalid")

	_, err = ParseModbus("300:40001")
	assert.Error(t, err, "unit id above 255")
}

func TestModbusRoundTrip(t *testing.T) {
	for _, in := range []string{"40001", "2:30011", "HR10.3", "000123", "19999", "C0"} {
		a, err := ParseModbus(in)
		require.NoError(t, err, in)
		b, err := ParseModbus(a.String())
		require.NoError(t, err, a.String())
		assert.Equal(t, a, b, in)
	}
}

func TestParseS7(t *testing.T) {
	a, err := ParseS7("DB10.DBX0.3")
	require.NoError(t, err)
	assert.Equal(t, AreaDB, a.Area)
	assert.Equal(t, 10, a.DBNumber)
	assert.Equal(t, WidthBit, a.Width)
	assert.Equal(t, 3, a.Bit)

	a, err = ParseS7("DB2.DBD8")
	require.NoError(t, err)
	assert.Equal(t, WidthDWord, a.Width)
	assert.Equal(t, 8, a.Offset)

	a, err = ParseS7("MW2")
	require.NoError(t, err)
	assert.Equal(t, AreaMerker, a.Area)
	assert.Equal(t, WidthWord, a.Width)

	a, err = ParseS7("M0.7")
	require.NoError(t, err)
	assert.Equal(t, WidthBit, a.Width)
	assert.Equal(t, 7, a.Bit)

	a, err = ParseS7("Q4.0")
	require.NoError(t, err)
	assert.Equal(t, AreaOutput, a.Area)

	a, err = ParseS7("T5")
	require.NoError(t, err)
	assert.Equal(t, AreaTimer, a.Area)

	a, err = ParseS7("C7")
	require.NoError(t, err)
	assert.Equal(t, AreaCounter, a.Area)
}

func TestParseS7BitRules(t *testing.T) {
	// bit 8 is out of range, 0..7 accepted
	_, err := ParseS7("DB1.DBX0.8")
	assert.Error(t, err)

	for bit := 0; bit <= 7; bit++ {
		_, err := ParseS7("DB1.DBX0." + string(rune('0'+bit)))
		assert.NoError(t, err)
	}

	// DBX requires a bit, DBW forbids one
	_, err = ParseS7("DB1.DBX0")
	assert.Error(t, err)
	_, err = ParseS7("DB1.DBW0.1")
	assert.Error(t, err)

	_, err = ParseS7("M0.9")
	assert.Error(t, err)
}

func TestS7RoundTrip(t *testing.T) {
	for _, in := range []string{"DB10.DBX0.3", "DB2.DBD8", "MB0", "MW2", "MD4", "M0.1", "IB0", "Q4.0", "T5", "C7"} {
		a, err := ParseS7(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, a.String(), in)
		b, err := ParseS7(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestParseEIP(t *testing.T) {
	a, err := ParseEIP("Program:MainProgram.Motor[2].Status{3}")
	require.NoError(t, err)
	assert.Equal(t, "MainProgram", a.Program)
	require.Len(t, a.Segments, 2)
	assert.Equal(t, "Motor", a.Segments[0].Name)
	assert.Equal(t, []int{2}, a.Segments[0].Indices)
	assert.Equal(t, "Status", a.Segments[1].Name)
	assert.Equal(t, 3, a.Bit)

	a, err = ParseEIP("Matrix[1,2,3]")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, a.Segments[0].Indices)

	for _, bad := range []string{"", "1Tag", "Tag..Member", "Tag[", "Tag{99}", "Program:OnlyProgram", "Tag[a]"} {
		_, err := ParseEIP(bad)
		assert.Error(t, err, bad)
	}
}

func TestEIPRoundTrip(t *testing.T) {
	for _, in := range []string{"Motor_1", "Program:Main.Pump.Speed", "Tank.Level[0]", "Word{15}", "A.B[1,2]{0}"} {
		a, err := ParseEIP(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, a.String())
	}
}

func TestParseNodeID(t *testing.T) {
	n, err := ParseNodeID("ns=2;i=1234")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), n.NamespaceIndex)
	assert.Equal(t, NodeIDNumeric, n.Type)
	assert.Equal(t, uint32(1234), n.NumericID)

	n, err = ParseNodeID("s=TempSensor.PV")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), n.NamespaceIndex, "namespace defaults to 0")
	assert.Equal(t, "TempSensor.PV", n.StringID)

	n, err = ParseNodeID("ns=3;g=0608567C-38A5-4BC1-9A4C-86F6A63452D9")
	require.NoError(t, err)
	assert.Equal(t, NodeIDGUID, n.Type)

	n, err = ParseNodeID("ns=1;b=YWJjZA==")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), n.OpaqueID)

	n, err = ParseNodeID("nsu=urn:example:pea;s=PEA_Unit.Tags.temp")
	require.NoError(t, err)
	assert.Equal(t, "urn:example:pea", n.NamespaceURI)
	assert.Equal(t, "PEA_Unit.Tags.temp", n.StringID)

	for _, bad := range []string{"", "ns=2", "ns=a;i=1", "ns=2;x=1", "ns=2;i=abc", "ns=2;g=nope", "ns=2;b=!!", "nsu=;s=x"} {
		_, err := ParseNodeID(bad)
		assert.Error(t, err, bad)
	}
}

func TestNodeIDRoundTrip(t *testing.T) {
	for _, in := range []string{"ns=2;i=1234", "s=Plain", "ns=4;s=With.Dots", "nsu=urn:x;s=Path", "ns=1;b=YWJjZA=="} {
		n, err := ParseNodeID(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, n.String())
	}
}

func TestValidate(t *testing.T) {
	r := Validate("modbus_tcp", "40001")
	assert.True(t, r.Valid)
	assert.Equal(t, "HR0", r.Normalized)

	r = Validate("s7", "DB1.DBX0.9")
	assert.False(t, r.Valid)
	assert.NotEmpty(t, r.Err)

	r = Validate("opcua", "ns=2;i=5")
	assert.True(t, r.Valid)

	r = Validate("gopher", "x")
	assert.False(t, r.Valid)
}
