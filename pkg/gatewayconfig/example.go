// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gatewayconfig

import (
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Example returns a small but complete configuration that validates in
// strict mode, used by the generate-example command and as seed for new
// deployments.
func Example() *Config {
	gain := ScaleConfigYAML{Gain: 0.1, Offset: 0.0}
	hh, h := 90.0, 80.0
	sclMin, sclMax := 0.0, 150.0
	cfg := &Config{
		SchemaVersion: SchemaVersion,
		Gateway: GatewayConfig{
			Name:        "DosingUnit",
			Version:     "1.0.0",
			Description: "Example dosing PEA",
			LogLevel:    "info",
			LogFormat:   "text",
		},
		OPCUA: OPCUAServerConfig{
			Host:         "0.0.0.0",
			Port:         4840,
			NamespaceURI: "urn:example:mtp:dosing",
		},
		Connectors: []ConnectorConfig{
			{
				Name:           "plc1",
				Protocol:       "modbus_tcp",
				Address:        "192.168.1.10:502",
				PollIntervalMs: 1000,
				TimeoutMs:      2000,
			},
			{
				Name:           "sim1",
				Protocol:       "simulator",
				PollIntervalMs: 500,
				TimeoutMs:      1000,
				Seed:           map[string]interface{}{"door.closed": true},
			},
		},
		Tags: []TagConfig{
			{Name: "plc.temp", Connector: "plc1", Address: "40001", DataType: "FLOAT32", Scale: &gain, Unit: "degC"},
			{Name: "plc.valve", Connector: "plc1", Address: "00001", DataType: "BOOL", Writable: true},
			{Name: "plc.volume", Connector: "plc1", Address: "40003", DataType: "FLOAT32", Unit: "l"},
			{Name: "door.closed", Connector: "sim1", Address: "door.closed", DataType: "BOOL"},
		},
		DataAssemblies: []DAConfig{
			{
				Name:     "Temperature",
				Type:     "AnaMon",
				Unit:     "degC",
				SclMin:   &sclMin,
				SclMax:   &sclMax,
				LimitHH:  &hh,
				LimitH:   &h,
				Bindings: map[string]string{"V": "plc.temp"},
			},
			{
				Name:            "FeedValve",
				Type:            "BinVlv",
				State0:          "closed",
				State1:          "open",
				Bindings:        map[string]string{"V": "plc.valve"},
				InterlockSource: "door.closed",
			},
		},
		Services: []ServiceConfig{
			{
				Name: "Dose",
				Mode: "THICK",
				Procedures: []ProcedureConfig{
					{ID: 1, Name: "Fast"},
					{ID: 2, Name: "Slow", Default: true},
				},
				Conditions: []ConditionConfig{
					{State: "COMPLETING", Tag: "plc.volume", Operator: ">=", Value: 100.0, TimeoutS: 60, OnTimeout: "ABORT"},
				},
				Interlocks: []InterlockConfig{
					{SourceTag: "door.closed", RequiredValue: true, Message: "door is open"},
				},
			},
		},
		Safety: SafetyConfig{
			Allowlist:          []string{"plc.valve"},
			MaxWritesPerSecond: 5,
			Burst:              10,
			SafeState:          map[string]interface{}{"plc.valve": false},
		},
		Persistence: PersistenceConfig{
			Path:          "gateway.db",
			RetentionDays: 30,
		},
		WebUI: WebUIConfig{
			Enabled:             true,
			Listen:              "127.0.0.1:8080",
			JWTSecret:           "change-me",
			TokenTTLMinutes:     60,
			MinUpdateIntervalMs: 100,
			Users: []UserConfig{
				// sha256("operator")
				{Username: "operator", PasswordHash: "06e55b633481f7bb072957eabcf110c972e86691c3cfedabe088024bffe42f23", Role: "operator"},
			},
		},
	}
	return cfg
}

// ExampleYAML renders the example configuration
func ExampleYAML() ([]byte, error) {
	body, err := yaml.Marshal(Example())
	if err != nil {
		return nil, errors.Wrap(err, "marshal example")
	}
	return body, nil
}
