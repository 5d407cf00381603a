// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gatewayconfig

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/DataDog/mtp-gateway/pkg/address"
	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/pea"
	"github.com/DataDog/mtp-gateway/pkg/service"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// Protocol names accepted in connector blocks
var knownProtocols = map[string]string{
	"modbus_tcp": "modbus_tcp",
	"modbus_rtu": "modbus_rtu",
	"s7":         "s7",
	"eip":        "eip",
	"opcua":      "opcua",
	"simulator":  "",
}

func fieldErr(path, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...))
}

// Validate checks the whole document. In strict mode every tag address
// is run through its protocol's parser; loose mode only checks
// references and shapes. All findings are collected so one pass reports
// every problem.
func (c *Config) Validate(strict bool) error {
	var errs *multierror.Error

	if c.Gateway.Name == "" {
		errs = multierror.Append(errs, fieldErr("gateway.name", "is required"))
	}
	if c.OPCUA.NamespaceURI == "" {
		errs = multierror.Append(errs, fieldErr("opcua.namespace_uri", "is required"))
	}
	if c.OPCUA.Port <= 0 || c.OPCUA.Port > 65535 {
		errs = multierror.Append(errs, fieldErr("opcua.port", "%d out of range", c.OPCUA.Port))
	}

	connectors := map[string]ConnectorConfig{}
	for i, cc := range c.Connectors {
		path := fmt.Sprintf("connectors[%d]", i)
		if cc.Name == "" {
			errs = multierror.Append(errs, fieldErr(path+".name", "is required"))
			continue
		}
		if _, dup := connectors[cc.Name]; dup {
			errs = multierror.Append(errs, fieldErr(path+".name", "duplicate connector %q", cc.Name))
		}
		connectors[cc.Name] = cc
		if _, ok := knownProtocols[cc.Protocol]; !ok {
			errs = multierror.Append(errs, fieldErr(path+".protocol", "unknown protocol %q", cc.Protocol))
		}
		if cc.Protocol != "simulator" && cc.Address == "" {
			errs = multierror.Append(errs, fieldErr(path+".address", "is required"))
		}
		if cc.PollIntervalMs <= 0 {
			errs = multierror.Append(errs, fieldErr(path+".poll_interval_ms", "must be positive"))
		}
	}

	tags := map[string]TagConfig{}
	for i, tc := range c.Tags {
		path := fmt.Sprintf("tags[%d]", i)
		if tc.Name == "" {
			errs = multierror.Append(errs, fieldErr(path+".name", "is required"))
			continue
		}
		if _, dup := tags[tc.Name]; dup {
			errs = multierror.Append(errs, fieldErr(path+".name", "duplicate tag %q", tc.Name))
		}
		tags[tc.Name] = tc

		cc, ok := connectors[tc.Connector]
		if !ok {
			errs = multierror.Append(errs, fieldErr(path+".connector", "unknown connector %q", tc.Connector))
		}
		if _, err := tag.ParseDataType(tc.DataType); err != nil {
			errs = multierror.Append(errs, fieldErr(path+".datatype", "%v", err))
		}
		if tc.Scale != nil && tc.Scale.Gain == 0 {
			errs = multierror.Append(errs, fieldErr(path+".scale.gain", "must be non-zero"))
		}
		if tc.ByteOrder != "" {
			if _, err := tag.ParseByteOrder(tc.ByteOrder); err != nil {
				errs = multierror.Append(errs, fieldErr(path+".byte_order", "%v", err))
			}
		}
		if tc.WordOrder != "" {
			if _, err := tag.ParseWordOrder(tc.WordOrder); err != nil {
				errs = multierror.Append(errs, fieldErr(path+".word_order", "%v", err))
			}
		}
		if strict && ok {
			if family := knownProtocols[cc.Protocol]; family != "" {
				if res := address.Validate(family, tc.Address); !res.Valid {
					errs = multierror.Append(errs, fieldErr(path+".address", "%s", res.Err))
				}
			}
		}
	}

	daNames := map[string]bool{}
	for i, da := range c.DataAssemblies {
		path := fmt.Sprintf("data_assemblies[%d]", i)
		if da.Name == "" {
			errs = multierror.Append(errs, fieldErr(path+".name", "is required"))
			continue
		}
		if daNames[da.Name] {
			errs = multierror.Append(errs, fieldErr(path+".name", "duplicate data assembly %q", da.Name))
		}
		daNames[da.Name] = true

		daType, err := pea.ParseDataAssemblyType(da.Type)
		if err != nil {
			errs = multierror.Append(errs, fieldErr(path+".type", "%v", err))
			continue
		}
		attributes, _ := pea.AttributesFor(daType)
		known := map[string]bool{}
		for _, a := range attributes {
			known[a.Name] = true
		}
		for attr, tagName := range da.Bindings {
			if !known[attr] {
				errs = multierror.Append(errs, fieldErr(path+".bindings", "%s has no attribute %q", da.Type, attr))
			}
			if _, ok := tags[tagName]; !ok {
				errs = multierror.Append(errs, fieldErr(fmt.Sprintf("%s.bindings.%s", path, attr), "unknown tag %q", tagName))
			}
		}
		if da.InterlockSource != "" {
			if !known["Interlock"] {
				errs = multierror.Append(errs, fieldErr(path+".interlock_source", "%s has no Interlock variable", da.Type))
			}
			if _, ok := tags[da.InterlockSource]; !ok {
				errs = multierror.Append(errs, fieldErr(path+".interlock_source", "unknown tag %q", da.InterlockSource))
			}
		}
	}

	svcNames := map[string]bool{}
	for i, sc := range c.Services {
		path := fmt.Sprintf("services[%d]", i)
		if sc.Name == "" {
			errs = multierror.Append(errs, fieldErr(path+".name", "is required"))
			continue
		}
		if svcNames[sc.Name] {
			errs = multierror.Append(errs, fieldErr(path+".name", "duplicate service %q", sc.Name))
		}
		svcNames[sc.Name] = true

		if _, err := service.ParseMode(sc.Mode); err != nil {
			errs = multierror.Append(errs, fieldErr(path+".mode", "%v", err))
		}
		for j, cond := range sc.Conditions {
			cpath := fmt.Sprintf("%s.conditions[%d]", path, j)
			if _, err := packml.ParseState(cond.State); err != nil {
				errs = multierror.Append(errs, fieldErr(cpath+".state", "%v", err))
			}
			if _, ok := tags[cond.Tag]; !ok {
				errs = multierror.Append(errs, fieldErr(cpath+".tag", "unknown tag %q", cond.Tag))
			}
			if cond.OnTimeout != "" {
				if _, err := packml.ParseCommand(cond.OnTimeout); err != nil {
					errs = multierror.Append(errs, fieldErr(cpath+".on_timeout", "%v", err))
				}
			}
		}
		for j, il := range sc.Interlocks {
			if _, ok := tags[il.SourceTag]; !ok {
				errs = multierror.Append(errs, fieldErr(fmt.Sprintf("%s.interlocks[%d].source_tag", path, j), "unknown tag %q", il.SourceTag))
			}
		}
		for _, tn := range []struct{ field, name string }{
			{"state_tag", sc.Bindings.StateTag},
			{"command_tag", sc.Bindings.CommandTag},
			{"procedure_tag", sc.Bindings.ProcedureTag},
		} {
			if tn.name != "" {
				if _, ok := tags[tn.name]; !ok {
					errs = multierror.Append(errs, fieldErr(path+".bindings."+tn.field, "unknown tag %q", tn.name))
				}
			}
		}
	}

	for i, name := range c.Safety.Allowlist {
		if _, ok := tags[name]; !ok {
			errs = multierror.Append(errs, fieldErr(fmt.Sprintf("safety.allowlist[%d]", i), "unknown tag %q", name))
		}
	}
	for name := range c.Safety.SafeState {
		tc, ok := tags[name]
		if !ok {
			errs = multierror.Append(errs, fieldErr("safety.safe_state."+name, "unknown tag"))
		} else if !tc.Writable {
			errs = multierror.Append(errs, fieldErr("safety.safe_state."+name, "tag is not writable"))
		}
	}

	if c.WebUI.Enabled {
		if c.WebUI.JWTSecret == "" {
			errs = multierror.Append(errs, fieldErr("webui.jwt_secret", "is required when webui is enabled"))
		}
		for i, u := range c.WebUI.Users {
			upath := fmt.Sprintf("webui.users[%d]", i)
			if u.Username == "" {
				errs = multierror.Append(errs, fieldErr(upath+".username", "is required"))
			}
			if u.PasswordHash == "" {
				errs = multierror.Append(errs, fieldErr(upath+".password_hash", "is required"))
			}
			switch u.Role {
			case "operator", "engineer", "admin":
			default:
				errs = multierror.Append(errs, fieldErr(upath+".role", "unknown role %q", u.Role))
			}
		}
	}

	return errs.ErrorOrNil()
}
