// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package tag holds the southbound data model: tag definitions, sampled
// values with OPC UA-aligned quality, and the mutable per-tag state the
// tag manager maintains.
package tag

import "fmt"

// ByteOrder selects how multi-byte values are assembled from registers
type ByteOrder int

// WordOrder selects how multi-register values are ordered
type WordOrder int

// Byte and word orders. Big-endian is the Modbus and S7 default.
const (
	BigEndian ByteOrder = iota
	LittleEndian
)

const (
	WordBigEndian WordOrder = iota
	WordLittleEndian
)

// ParseByteOrder parses a config byte-order name ("big"/"little")
func ParseByteOrder(s string) (ByteOrder, error) {
	switch s {
	case "", "big":
		return BigEndian, nil
	case "little":
		return LittleEndian, nil
	}
	return BigEndian, fmt.Errorf("unknown byte order %q", s)
}

// ParseWordOrder parses a config word-order name ("big"/"little")
func ParseWordOrder(s string) (WordOrder, error) {
	switch s {
	case "", "big":
		return WordBigEndian, nil
	case "little":
		return WordLittleEndian, nil
	}
	return WordBigEndian, fmt.Errorf("unknown word order %q", s)
}

// ScaleConfig is a linear engineering-unit conversion applied to raw
// values: scaled = raw*Gain + Offset. The write path applies the inverse.
type ScaleConfig struct {
	Gain   float64 `yaml:"gain" json:"gain"`
	Offset float64 `yaml:"offset" json:"offset"`
}

// Apply converts a raw value to engineering units
func (s *ScaleConfig) Apply(raw float64) float64 {
	return raw*s.Gain + s.Offset
}

// Invert converts an engineering-unit value back to a raw value
func (s *ScaleConfig) Invert(scaled float64) (float64, error) {
	if s.Gain == 0 {
		return 0, fmt.Errorf("scale gain is zero, cannot invert")
	}
	return (scaled - s.Offset) / s.Gain, nil
}

// Tag is the immutable definition of a bound process value. The connector
// it names must exist and its address must pass that connector's parser;
// the config validator enforces both.
type Tag struct {
	Name      string
	Connector string
	Address   string
	DataType  DataType
	Writable  bool
	Scale     *ScaleConfig
	Unit      string
	ByteOrder ByteOrder
	WordOrder WordOrder
}

// Scaled applies the tag's scaling to a raw value. Non-numeric values and
// unscaled tags pass through untouched.
func (t *Tag) Scaled(raw interface{}) interface{} {
	if t.Scale == nil {
		return raw
	}
	f, err := ToFloat64(raw)
	if err != nil {
		return raw
	}
	return t.Scale.Apply(f)
}

// Unscaled applies the inverse scaling for the write path
func (t *Tag) Unscaled(scaled interface{}) (interface{}, error) {
	if t.Scale == nil {
		return scaled, nil
	}
	f, err := ToFloat64(scaled)
	if err != nil {
		// Non-numeric writes skip scaling, matching the read path
		return scaled, nil
	}
	return t.Scale.Invert(f)
}
