// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package address

import (
	"fmt"
	"regexp"
	"strconv"
)

// S7Area is the S7 memory area an address refers to
type S7Area int

// S7 memory areas
const (
	AreaDB S7Area = iota
	AreaMerker
	AreaInput
	AreaOutput
	AreaTimer
	AreaCounter
)

var s7AreaNames = map[S7Area]string{
	AreaDB:      "DB",
	AreaMerker:  "M",
	AreaInput:   "I",
	AreaOutput:  "Q",
	AreaTimer:   "T",
	AreaCounter: "C",
}

func (a S7Area) String() string { return s7AreaNames[a] }

// S7Width is the access width of an S7 address
type S7Width int

// S7 access widths. WidthBit covers DBX and the M/I/Q bit forms.
const (
	WidthBit S7Width = iota
	WidthByte
	WidthWord
	WidthDWord
)

var s7WidthSuffix = map[S7Width]string{
	WidthBit:   "X",
	WidthByte:  "B",
	WidthWord:  "W",
	WidthDWord: "D",
}

func (w S7Width) String() string { return s7WidthSuffix[w] }

// ByteSize returns the number of bytes read for this width
func (w S7Width) ByteSize() int {
	switch w {
	case WidthWord:
		return 2
	case WidthDWord:
		return 4
	default:
		return 1
	}
}

// S7Address is a parsed S7 address
type S7Address struct {
	Area     S7Area
	DBNumber int // only for AreaDB
	Width    S7Width
	Offset   int
	Bit      int // -1 unless Width is WidthBit, else 0..7
}

var (
	s7DBRe   = regexp.MustCompile(`^DB(\d+)\.DB([XWBD])(\d+)(?:\.(\d+))?$`)
	s7MemRe  = regexp.MustCompile(`^([MIQ])([BWD])(\d+)$`)
	s7BitRe  = regexp.MustCompile(`^([MIQ])(\d+)\.(\d+)$`)
	s7TmCtRe = regexp.MustCompile(`^([TC])(\d+)$`)
)

// ParseS7 parses an S7 address string. Accepted forms:
//
//	DB10.DBX0.3  DB10.DBB4  DB10.DBW2  DB10.DBD8
//	MB0 MW2 MD4  M0.1
//	IB0 IW2 ID4  I0.1    (and Q equivalents)
//	T5  C7
//
// Bit indices are 0..7. DBX requires a bit index; DBB/DBW/DBD forbid one.
func ParseS7(s string) (S7Address, error) {
	addr := S7Address{Bit: -1}

	if m := s7DBRe.FindStringSubmatch(s); m != nil {
		addr.Area = AreaDB
		addr.DBNumber, _ = strconv.Atoi(m[1])
		addr.Offset, _ = strconv.Atoi(m[3])
		switch m[2] {
		case "X":
			addr.Width = WidthBit
			if m[4] == "" {
				return addr, fmt.Errorf("DBX address %q requires a bit index", s)
			}
		case "B":
			addr.Width = WidthByte
		case "W":
			addr.Width = WidthWord
		case "D":
			addr.Width = WidthDWord
		}
		if m[4] != "" {
			if addr.Width != WidthBit {
				return addr, fmt.Errorf("bit index is only valid on DBX addresses, got %q", s)
			}
			bit, err := strconv.Atoi(m[4])
			if err != nil || bit < 0 || bit > 7 {
				return addr, fmt.Errorf("bit index %q out of range 0-7 in %q", m[4], s)
			}
			addr.Bit = bit
		}
		return addr, nil
	}

	if m := s7MemRe.FindStringSubmatch(s); m != nil {
		addr.Area = areaFromLetter(m[1])
		switch m[2] {
		case "B":
			addr.Width = WidthByte
		case "W":
			addr.Width = WidthWord
		case "D":
			addr.Width = WidthDWord
		}
		addr.Offset, _ = strconv.Atoi(m[3])
		return addr, nil
	}

	if m := s7BitRe.FindStringSubmatch(s); m != nil {
		addr.Area = areaFromLetter(m[1])
		addr.Width = WidthBit
		addr.Offset, _ = strconv.Atoi(m[2])
		bit, err := strconv.Atoi(m[3])
		if err != nil || bit < 0 || bit > 7 {
			return addr, fmt.Errorf("bit index %q out of range 0-7 in %q", m[3], s)
		}
		addr.Bit = bit
		return addr, nil
	}

	if m := s7TmCtRe.FindStringSubmatch(s); m != nil {
		if m[1] == "T" {
			addr.Area = AreaTimer
		} else {
			addr.Area = AreaCounter
		}
		addr.Width = WidthWord
		addr.Offset, _ = strconv.Atoi(m[2])
		return addr, nil
	}

	return addr, fmt.Errorf("invalid s7 address %q", s)
}

func areaFromLetter(l string) S7Area {
	switch l {
	case "M":
		return AreaMerker
	case "I":
		return AreaInput
	default:
		return AreaOutput
	}
}

// String returns the normalized form
func (a S7Address) String() string {
	switch a.Area {
	case AreaDB:
		if a.Width == WidthBit {
			return fmt.Sprintf("DB%d.DBX%d.%d", a.DBNumber, a.Offset, a.Bit)
		}
		return fmt.Sprintf("DB%d.DB%s%d", a.DBNumber, a.Width, a.Offset)
	case AreaTimer:
		return fmt.Sprintf("T%d", a.Offset)
	case AreaCounter:
		return fmt.Sprintf("C%d", a.Offset)
	}
	if a.Width == WidthBit {
		return fmt.Sprintf("%s%d.%d", a.Area, a.Offset, a.Bit)
	}
	return fmt.Sprintf("%s%s%d", a.Area, a.Width, a.Offset)
}
