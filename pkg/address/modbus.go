// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package address parses protocol-specific tag addresses into structured,
// normalized form. Every parser guarantees Parse(x).String() re-parses to
// the same structure, which is what lets the config validator normalize
// addresses in strict mode.
package address

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ModbusRegisterType identifies one of the four Modbus data tables
type ModbusRegisterType int

// Modbus register types
const (
	Coil ModbusRegisterType = iota
	DiscreteInput
	InputRegister
	HoldingRegister
)

var modbusPrefixes = map[ModbusRegisterType]string{
	Coil:            "C",
	DiscreteInput:   "DI",
	InputRegister:   "IR",
	HoldingRegister: "HR",
}

func (t ModbusRegisterType) String() string {
	return modbusPrefixes[t]
}

// Writable reports whether the register table accepts writes
func (t ModbusRegisterType) Writable() bool {
	return t == Coil || t == HoldingRegister
}

// ModbusAddress is a parsed Modbus address: a register table, a 0-based
// register address, and optionally a bit offset and a unit identifier.
type ModbusAddress struct {
	UnitID       int // -1 when not specified
	RegisterType ModbusRegisterType
	Address      uint16 // 0-based
	Bit          int    // -1 when not specified, else 0..15
}

var modbusNamedRe = regexp.MustCompile(`^(C|DI|IR|HR)(\d{1,5})$`)

// ParseModbus parses a Modbus address string. Accepted forms:
//
//	40001          traditional 5-digit (1-based) addressing
//	400001         extended 6-digit addressing
//	HR0            named-prefix 0-based addressing (C, DI, IR, HR)
//	HR0.3, 40001.3 bit access into a register (bit 0..15)
//	2:40001        unit identifier prefix
func ParseModbus(s string) (ModbusAddress, error) {
	addr := ModbusAddress{UnitID: -1, Bit: -1}
	rest := strings.TrimSpace(s)
	if rest == "" {
		return addr, fmt.Errorf("empty modbus address")
	}

	if idx := strings.Index(rest, ":"); idx > 0 {
		unit, err := strconv.Atoi(rest[:idx])
		if err != nil || unit < 0 || unit > 255 {
			return addr, fmt.Errorf("invalid unit id %q in %q", rest[:idx], s)
		}
		addr.UnitID = unit
		rest = rest[idx+1:]
	}

	if idx := strings.Index(rest, "."); idx > 0 {
		bit, err := strconv.Atoi(rest[idx+1:])
		if err != nil || bit < 0 || bit > 15 {
			return addr, fmt.Errorf("invalid bit offset %q in %q, must be 0-15", rest[idx+1:], s)
		}
		addr.Bit = bit
		rest = rest[:idx]
	}

	if m := modbusNamedRe.FindStringSubmatch(rest); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil || n > 65535 {
			return addr, fmt.Errorf("register address %q out of range in %q", m[2], s)
		}
		for t, prefix := range modbusPrefixes {
			if prefix == m[1] {
				addr.RegisterType = t
			}
		}
		addr.Address = uint16(n)
	} else {
		t, offset, err := parseModbusNumeric(rest)
		if err != nil {
			return addr, fmt.Errorf("%v in %q", err, s)
		}
		addr.RegisterType = t
		addr.Address = offset
	}

	if addr.Bit >= 0 && (addr.RegisterType == Coil || addr.RegisterType == DiscreteInput) {
		return addr, fmt.Errorf("bit offset is not valid on single-bit table %s in %q", addr.RegisterType, s)
	}
	return addr, nil
}

func parseModbusNumeric(s string) (ModbusRegisterType, uint16, error) {
	if !regexp.MustCompile(`^\d+$`).MatchString(s) {
		return Coil, 0, fmt.Errorf("invalid modbus address %q", s)
	}

	if len(s) == 6 {
		// Extended addressing: the leading digit selects the table, the
		// remaining five digits are a 1-based address 1..65536.
		rem, err := strconv.Atoi(s[1:])
		if err != nil || rem < 1 || rem > 65536 {
			return Coil, 0, fmt.Errorf("extended address %q out of range", s)
		}
		offset := uint16(rem - 1)
		switch s[0] {
		case '0':
			return Coil, offset, nil
		case '1':
			return DiscreteInput, offset, nil
		case '3':
			return InputRegister, offset, nil
		case '4':
			return HoldingRegister, offset, nil
		}
		return Coil, 0, fmt.Errorf("extended address %q has no register table", s)
	}

	n, err := strconv.Atoi(s)
	if err != nil || len(s) > 5 {
		return Coil, 0, fmt.Errorf("invalid modbus address %q", s)
	}
	switch {
	case n >= 1 && n <= 9999:
		return Coil, uint16(n - 1), nil
	case n >= 10001 && n <= 19999:
		return DiscreteInput, uint16(n - 10001), nil
	case n >= 30001 && n <= 39999:
		return InputRegister, uint16(n - 30001), nil
	case n >= 40001 && n <= 49999:
		return HoldingRegister, uint16(n - 40001), nil
	}
	return Coil, 0, fmt.Errorf("address %d is outside every modbus range", n)
}

// String returns the normalized named-prefix form, e.g. "2:HR0.3"
func (a ModbusAddress) String() string {
	var b strings.Builder
	if a.UnitID >= 0 {
		fmt.Fprintf(&b, "%d:", a.UnitID)
	}
	fmt.Fprintf(&b, "%s%d", a.RegisterType, a.Address)
	if a.Bit >= 0 {
		fmt.Fprintf(&b, ".%d", a.Bit)
	}
	return b.String()
}
