// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package address

import "fmt"

// Result is the outcome of validating an address string against a
// protocol's parser.
type Result struct {
	Valid      bool
	Normalized string
	Err        string
}

// Validate runs the parser for the given connector protocol over an
// address string. It is used by the config validator in strict mode and
// by the adapters to classify parse failures as BAD_CONFIG_ERROR.
func Validate(protocol, addr string) Result {
	switch protocol {
	case "modbus_tcp", "modbus_rtu":
		a, err := ParseModbus(addr)
		return toResult(a.String(), err)
	case "s7":
		a, err := ParseS7(addr)
		return toResult(a.String(), err)
	case "eip":
		a, err := ParseEIP(addr)
		return toResult(a.String(), err)
	case "opcua":
		a, err := ParseNodeID(addr)
		return toResult(a.String(), err)
	case "sim":
		// The simulator accepts any non-empty key
		if addr == "" {
			return Result{Err: "empty address"}
		}
		return Result{Valid: true, Normalized: addr}
	}
	return Result{Err: fmt.Sprintf("unknown protocol %q", protocol)}
}

func toResult(normalized string, err error) Result {
	if err != nil {
		return Result{Err: err.Error()}
	}
	return Result{Valid: true, Normalized: normalized}
}
