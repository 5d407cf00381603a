// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package tag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is the declared PLC datatype of a tag.
type DataType int

// Supported datatypes
const (
	TypeBool DataType = iota
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUInt16
	TypeUInt32
	TypeUInt64
	TypeFloat32
	TypeFloat64
	TypeString
)

var typeNames = map[DataType]string{
	TypeBool:    "BOOL",
	TypeInt16:   "INT16",
	TypeInt32:   "INT32",
	TypeInt64:   "INT64",
	TypeUInt16:  "UINT16",
	TypeUInt32:  "UINT32",
	TypeUInt64:  "UINT64",
	TypeFloat32: "FLOAT32",
	TypeFloat64: "FLOAT64",
	TypeString:  "STRING",
}

func (t DataType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// ParseDataType parses a config datatype name. The match is
// case-insensitive and accepts the common aliases REAL/LREAL/WORD/DWORD.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BOOL", "BOOLEAN":
		return TypeBool, nil
	case "INT16", "INT", "SHORT":
		return TypeInt16, nil
	case "INT32", "DINT":
		return TypeInt32, nil
	case "INT64", "LINT":
		return TypeInt64, nil
	case "UINT16", "WORD", "UINT":
		return TypeUInt16, nil
	case "UINT32", "DWORD", "UDINT":
		return TypeUInt32, nil
	case "UINT64", "ULINT":
		return TypeUInt64, nil
	case "FLOAT32", "FLOAT", "REAL":
		return TypeFloat32, nil
	case "FLOAT64", "DOUBLE", "LREAL":
		return TypeFloat64, nil
	case "STRING":
		return TypeString, nil
	}
	return TypeBool, fmt.Errorf("unknown datatype %q", s)
}

// IsNumeric reports whether values of this type can be scaled
func (t DataType) IsNumeric() bool {
	return t != TypeBool && t != TypeString
}

// IsFloat reports whether this type decodes as IEEE-754
func (t DataType) IsFloat() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

// RegisterCount returns the number of 16-bit registers a value occupies,
// used by the Modbus adapter to size reads.
func (t DataType) RegisterCount() int {
	switch t {
	case TypeInt32, TypeUInt32, TypeFloat32:
		return 2
	case TypeInt64, TypeUInt64, TypeFloat64:
		return 4
	default:
		return 1
	}
}

// NodeSetName returns the OPC UA builtin type name for this datatype
func (t DataType) NodeSetName() string {
	switch t {
	case TypeBool:
		return "Boolean"
	case TypeInt16:
		return "Int16"
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeUInt16:
		return "UInt16"
	case TypeUInt32:
		return "UInt32"
	case TypeUInt64:
		return "UInt64"
	case TypeFloat32:
		return "Float"
	case TypeFloat64:
		return "Double"
	default:
		return "String"
	}
}

// ByteSize returns the value size in bytes
func (t DataType) ByteSize() int {
	switch t {
	case TypeBool:
		return 1
	case TypeInt16, TypeUInt16:
		return 2
	case TypeInt32, TypeUInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeUInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Coerce converts an arbitrary value into the declared datatype. It is
// the gate on the write path: a value that cannot be represented is
// rejected rather than silently truncated.
func (t DataType) Coerce(value interface{}) (interface{}, error) {
	switch t {
	case TypeBool:
		return coerceBool(value)
	case TypeString:
		return fmt.Sprintf("%v", value), nil
	case TypeFloat32:
		f, err := ToFloat64(value)
		if err != nil {
			return nil, err
		}
		if !math.IsInf(f, 0) && (f > math.MaxFloat32 || f < -math.MaxFloat32) {
			return nil, fmt.Errorf("value %v overflows FLOAT32", value)
		}
		return float32(f), nil
	case TypeFloat64:
		return ToFloat64(value)
	}

	f, err := ToFloat64(value)
	if err != nil {
		return nil, err
	}
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("value %v is not an integer", value)
	}
	switch t {
	case TypeInt16:
		if f < math.MinInt16 || f > math.MaxInt16 {
			return nil, fmt.Errorf("value %v overflows INT16", value)
		}
		return int16(f), nil
	case TypeInt32:
		if f < math.MinInt32 || f > math.MaxInt32 {
			return nil, fmt.Errorf("value %v overflows INT32", value)
		}
		return int32(f), nil
	case TypeInt64:
		return int64(f), nil
	case TypeUInt16:
		if f < 0 || f > math.MaxUint16 {
			return nil, fmt.Errorf("value %v overflows UINT16", value)
		}
		return uint16(f), nil
	case TypeUInt32:
		if f < 0 || f > math.MaxUint32 {
			return nil, fmt.Errorf("value %v overflows UINT32", value)
		}
		return uint32(f), nil
	case TypeUInt64:
		if f < 0 {
			return nil, fmt.Errorf("value %v overflows UINT64", value)
		}
		return uint64(f), nil
	}
	return nil, fmt.Errorf("cannot coerce %v to %s", value, t)
}

func coerceBool(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to BOOL", v)
		}
		return b, nil
	}
	f, err := ToFloat64(value)
	if err != nil {
		return nil, fmt.Errorf("cannot coerce %v to BOOL", value)
	}
	return f != 0, nil
}

// ToFloat64 converts any numeric value to float64. Booleans and strings
// are not numeric for scaling purposes.
func ToFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("value %v (%T) is not numeric", value, value)
}

// IsNumericValue reports whether the runtime value is a Go numeric type
func IsNumericValue(value interface{}) bool {
	_, err := ToFloat64(value)
	return err == nil
}
