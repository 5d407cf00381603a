// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gatewayconfig

import (
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/alarms"
	"github.com/DataDog/mtp-gateway/pkg/connector"
	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/pea"
	"github.com/DataDog/mtp-gateway/pkg/safety"
	"github.com/DataDog/mtp-gateway/pkg/service"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// BuildConnector materializes one southbound adapter from its block
func BuildConnector(cc ConnectorConfig) (connector.Connector, error) {
	timeout := time.Duration(cc.TimeoutMs) * time.Millisecond
	switch cc.Protocol {
	case "modbus_tcp":
		return connector.NewModbus(cc.Name, connector.ModbusConfig{
			Mode:    "tcp",
			Address: cc.Address,
			UnitID:  byte(cc.UnitID),
			Timeout: timeout,
		})
	case "modbus_rtu":
		return connector.NewModbus(cc.Name, connector.ModbusConfig{
			Mode:     "rtu",
			Address:  cc.Address,
			BaudRate: cc.BaudRate,
			DataBits: cc.DataBits,
			Parity:   cc.Parity,
			StopBits: cc.StopBits,
			UnitID:   byte(cc.UnitID),
			Timeout:  timeout,
		})
	case "s7":
		return connector.NewS7(cc.Name, connector.S7Config{
			Address: cc.Address,
			Rack:    cc.Rack,
			Slot:    cc.Slot,
			Timeout: timeout,
		})
	case "eip":
		return connector.NewEIP(cc.Name, connector.EIPConfig{
			Address: cc.Address,
			Timeout: timeout,
		})
	case "opcua":
		return connector.NewOPCUA(cc.Name, connector.OPCUAConfig{
			Endpoint:       cc.Address,
			SecurityPolicy: cc.SecurityPolicy,
			SecurityMode:   cc.SecurityMode,
			CertFile:       cc.CertFile,
			KeyFile:        cc.KeyFile,
			Username:       cc.Username,
			Password:       cc.Password,
			Timeout:        timeout,
		})
	case "simulator":
		return connector.NewSimulator(cc.Name, cc.Seed), nil
	}
	return nil, errors.Errorf("connector %s: unknown protocol %q", cc.Name, cc.Protocol)
}

// BuildTags materializes the tag table grouped by connector
func (c *Config) BuildTags() (map[string][]*tag.Tag, error) {
	out := map[string][]*tag.Tag{}
	for _, tc := range c.Tags {
		dt, err := tag.ParseDataType(tc.DataType)
		if err != nil {
			return nil, errors.Wrapf(err, "tag %s", tc.Name)
		}
		t := &tag.Tag{
			Name:      tc.Name,
			Connector: tc.Connector,
			Address:   tc.Address,
			DataType:  dt,
			Writable:  tc.Writable,
			Unit:      tc.Unit,
		}
		if tc.Scale != nil {
			t.Scale = &tag.ScaleConfig{Gain: tc.Scale.Gain, Offset: tc.Scale.Offset}
		}
		if tc.ByteOrder != "" {
			if t.ByteOrder, err = tag.ParseByteOrder(tc.ByteOrder); err != nil {
				return nil, errors.Wrapf(err, "tag %s", tc.Name)
			}
		}
		if tc.WordOrder != "" {
			if t.WordOrder, err = tag.ParseWordOrder(tc.WordOrder); err != nil {
				return nil, errors.Wrapf(err, "tag %s", tc.Name)
			}
		}
		out[tc.Connector] = append(out[tc.Connector], t)
	}
	return out, nil
}

// SafetyController builds the safety gate from the document
func (c *Config) SafetyController() *safety.Controller {
	return safety.NewController(safety.Config{
		Allowlist:          c.Safety.Allowlist,
		MaxWritesPerSecond: c.Safety.MaxWritesPerSecond,
		Burst:              c.Safety.Burst,
		SafeState:          c.Safety.SafeState,
	})
}

// PEAModel derives the published model. The same model feeds the OPC UA
// server, the manifest generator and the NodeSet exporter.
func (c *Config) PEAModel() (*pea.Model, error) {
	m := &pea.Model{
		Name:         c.Gateway.Name,
		Version:      c.Gateway.Version,
		Description:  c.Gateway.Description,
		NamespaceURI: c.OPCUA.NamespaceURI,
		Endpoint:     c.OPCUA.Endpoint(),
	}
	for _, da := range c.DataAssemblies {
		daType, err := pea.ParseDataAssemblyType(da.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "data assembly %s", da.Name)
		}
		m.DataAssemblies = append(m.DataAssemblies, pea.DataAssembly{
			Name:            da.Name,
			Type:            daType,
			Bindings:        da.Bindings,
			SclMin:          da.SclMin,
			SclMax:          da.SclMax,
			Unit:            da.Unit,
			State0:          da.State0,
			State1:          da.State1,
			LimitHH:         da.LimitHH,
			LimitH:          da.LimitH,
			LimitL:          da.LimitL,
			LimitLL:         da.LimitLL,
			InterlockSource: da.InterlockSource,
		})
	}
	for _, sc := range c.Services {
		svc := pea.Service{
			Name:           sc.Name,
			Mode:           sc.Mode,
			SelfCompleting: sc.SelfCompleting,
		}
		for _, p := range sc.Procedures {
			svc.Procedures = append(svc.Procedures, pea.Procedure{ID: p.ID, Name: p.Name, Default: p.Default})
		}
		m.Services = append(m.Services, svc)
	}
	for _, tc := range c.Tags {
		dt, err := tag.ParseDataType(tc.DataType)
		if err != nil {
			return nil, errors.Wrapf(err, "tag %s", tc.Name)
		}
		m.Tags = append(m.Tags, pea.TagNode{
			Name:     tc.Name,
			DataType: dt.NodeSetName(),
			Writable: tc.Writable,
			Unit:     tc.Unit,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ServiceDefinitions materializes each service block
func (c *Config) ServiceDefinitions() ([]service.Definition, error) {
	var out []service.Definition
	for _, sc := range c.Services {
		mode, err := service.ParseMode(sc.Mode)
		if err != nil {
			return nil, errors.Wrapf(err, "service %s", sc.Name)
		}
		def := service.Definition{
			Name:           sc.Name,
			Mode:           mode,
			SelfCompleting: sc.SelfCompleting,
			Bindings: service.Bindings{
				StateTag:     sc.Bindings.StateTag,
				CommandTag:   sc.Bindings.CommandTag,
				ProcedureTag: sc.Bindings.ProcedureTag,
			},
		}
		for _, p := range sc.Procedures {
			def.Procedures = append(def.Procedures, service.Procedure{ID: p.ID, Name: p.Name, Default: p.Default})
		}
		for _, cond := range sc.Conditions {
			st, err := packml.ParseState(cond.State)
			if err != nil {
				return nil, errors.Wrapf(err, "service %s condition", sc.Name)
			}
			cc := service.CompletionCondition{
				Tag:      cond.Tag,
				Operator: cond.Operator,
				Value:    cond.Value,
				Timeout:  time.Duration(cond.TimeoutS * float64(time.Second)),
			}
			if cond.OnTimeout != "" {
				if cc.OnTimeout, err = packml.ParseCommand(cond.OnTimeout); err != nil {
					return nil, errors.Wrapf(err, "service %s condition", sc.Name)
				}
			}
			if def.ActingConditions == nil {
				def.ActingConditions = map[packml.State]service.CompletionCondition{}
			}
			def.ActingConditions[st] = cc
		}
		for _, il := range sc.Interlocks {
			def.Interlocks = append(def.Interlocks, safety.InterlockBinding{
				SourceTag:     il.SourceTag,
				RequiredValue: il.RequiredValue,
				Message:       il.Message,
			})
		}
		if err := def.Validate(); err != nil {
			return nil, errors.Wrapf(err, "service %s", sc.Name)
		}
		out = append(out, def)
	}
	return out, nil
}

// AlarmMonitors derives monitor definitions from AnaMon and BinMon
// data assemblies. The primary source tag is the V binding.
func (c *Config) AlarmMonitors() (analog []alarms.AnalogMonitor, binary []alarms.BinaryMonitor) {
	for _, da := range c.DataAssemblies {
		source := da.Bindings["V"]
		if source == "" {
			continue
		}
		switch da.Type {
		case string(pea.TypeAnaMon):
			analog = append(analog, alarms.AnalogMonitor{
				Name:      da.Name,
				SourceTag: source,
				Unit:      da.Unit,
				LimitHH:   da.LimitHH,
				LimitH:    da.LimitH,
				LimitL:    da.LimitL,
				LimitLL:   da.LimitLL,
			})
		case string(pea.TypeBinMon):
			expected := true
			if da.ExpectedState != nil {
				expected = *da.ExpectedState
			}
			binary = append(binary, alarms.BinaryMonitor{
				Name:       da.Name,
				SourceTag:  source,
				AlarmValue: !expected,
				Message:    da.AlarmMessage,
			})
		}
	}
	return analog, binary
}
