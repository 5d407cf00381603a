// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package connector

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// decodeRegisters assembles a value from Modbus register bytes. The wire
// carries registers as consecutive big-endian 16-bit words; the tag's
// byte order flips bytes within each word, the word order flips the word
// sequence.
func decodeRegisters(raw []byte, dt tag.DataType, bo tag.ByteOrder, wo tag.WordOrder) (interface{}, error) {
	want := dt.RegisterCount() * 2
	if len(raw) < want {
		return nil, fmt.Errorf("short register payload: got %d bytes, want %d", len(raw), want)
	}
	buf := normalizeRegisterBytes(raw[:want], bo, wo)

	switch dt {
	case tag.TypeBool:
		return binary.BigEndian.Uint16(buf) != 0, nil
	case tag.TypeInt16:
		return int16(binary.BigEndian.Uint16(buf)), nil
	case tag.TypeUInt16:
		return binary.BigEndian.Uint16(buf), nil
	case tag.TypeInt32:
		return int32(binary.BigEndian.Uint32(buf)), nil
	case tag.TypeUInt32:
		return binary.BigEndian.Uint32(buf), nil
	case tag.TypeInt64:
		return int64(binary.BigEndian.Uint64(buf)), nil
	case tag.TypeUInt64:
		return binary.BigEndian.Uint64(buf), nil
	case tag.TypeFloat32:
		return math.Float32frombits(binary.BigEndian.Uint32(buf)), nil
	case tag.TypeFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
	}
	return nil, fmt.Errorf("datatype %s cannot be decoded from registers", dt)
}

// encodeRegisters is the inverse of decodeRegisters
func encodeRegisters(value interface{}, dt tag.DataType, bo tag.ByteOrder, wo tag.WordOrder) ([]byte, error) {
	coerced, err := dt.Coerce(value)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, dt.RegisterCount()*2)
	switch dt {
	case tag.TypeBool:
		if coerced.(bool) {
			binary.BigEndian.PutUint16(buf, 1)
		}
	case tag.TypeInt16:
		binary.BigEndian.PutUint16(buf, uint16(coerced.(int16)))
	case tag.TypeUInt16:
		binary.BigEndian.PutUint16(buf, coerced.(uint16))
	case tag.TypeInt32:
		binary.BigEndian.PutUint32(buf, uint32(coerced.(int32)))
	case tag.TypeUInt32:
		binary.BigEndian.PutUint32(buf, coerced.(uint32))
	case tag.TypeInt64:
		binary.BigEndian.PutUint64(buf, uint64(coerced.(int64)))
	case tag.TypeUInt64:
		binary.BigEndian.PutUint64(buf, coerced.(uint64))
	case tag.TypeFloat32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(coerced.(float32)))
	case tag.TypeFloat64:
		binary.BigEndian.PutUint64(buf, math.Float64bits(coerced.(float64)))
	default:
		return nil, fmt.Errorf("datatype %s cannot be encoded to registers", dt)
	}
	return normalizeRegisterBytes(buf, bo, wo), nil
}

// normalizeRegisterBytes applies byte and word order. The transform is
// its own inverse, so the same function serves encode and decode.
func normalizeRegisterBytes(raw []byte, bo tag.ByteOrder, wo tag.WordOrder) []byte {
	words := len(raw) / 2
	out := make([]byte, len(raw))
	for i := 0; i < words; i++ {
		src := i
		if wo == tag.WordLittleEndian {
			src = words - 1 - i
		}
		hi, lo := raw[src*2], raw[src*2+1]
		if bo == tag.LittleEndian {
			hi, lo = lo, hi
		}
		out[i*2], out[i*2+1] = hi, lo
	}
	return out
}

// decodeBigEndian decodes an S7 payload, which is always big-endian. DWord
// payloads decode as float only when the consuming tag is float.
func decodeBigEndian(raw []byte, dt tag.DataType) (interface{}, error) {
	if len(raw) < dt.ByteSize() {
		return nil, fmt.Errorf("short payload: got %d bytes, want %d", len(raw), dt.ByteSize())
	}
	switch dt {
	case tag.TypeBool:
		return raw[0] != 0, nil
	case tag.TypeInt16:
		return int16(binary.BigEndian.Uint16(raw)), nil
	case tag.TypeUInt16:
		return binary.BigEndian.Uint16(raw), nil
	case tag.TypeInt32:
		return int32(binary.BigEndian.Uint32(raw)), nil
	case tag.TypeUInt32:
		return binary.BigEndian.Uint32(raw), nil
	case tag.TypeInt64:
		return int64(binary.BigEndian.Uint64(raw)), nil
	case tag.TypeUInt64:
		return binary.BigEndian.Uint64(raw), nil
	case tag.TypeFloat32:
		return math.Float32frombits(binary.BigEndian.Uint32(raw)), nil
	case tag.TypeFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	}
	return nil, fmt.Errorf("datatype %s cannot be decoded", dt)
}

// encodeBigEndian is the inverse of decodeBigEndian
func encodeBigEndian(value interface{}, dt tag.DataType) ([]byte, error) {
	coerced, err := dt.Coerce(value)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, dt.ByteSize())
	switch dt {
	case tag.TypeBool:
		if coerced.(bool) {
			buf[0] = 1
		}
	case tag.TypeInt16:
		binary.BigEndian.PutUint16(buf, uint16(coerced.(int16)))
	case tag.TypeUInt16:
		binary.BigEndian.PutUint16(buf, coerced.(uint16))
	case tag.TypeInt32:
		binary.BigEndian.PutUint32(buf, uint32(coerced.(int32)))
	case tag.TypeUInt32:
		binary.BigEndian.PutUint32(buf, coerced.(uint32))
	case tag.TypeInt64:
		binary.BigEndian.PutUint64(buf, uint64(coerced.(int64)))
	case tag.TypeUInt64:
		binary.BigEndian.PutUint64(buf, coerced.(uint64))
	case tag.TypeFloat32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(coerced.(float32)))
	case tag.TypeFloat64:
		binary.BigEndian.PutUint64(buf, math.Float64bits(coerced.(float64)))
	default:
		return nil, fmt.Errorf("datatype %s cannot be encoded", dt)
	}
	return buf, nil
}
