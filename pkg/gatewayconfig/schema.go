// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gatewayconfig

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	yaml "gopkg.in/yaml.v2"
)

// Schema is the JSON Schema for the configuration document. It checks
// document shape; reference and address checks live in Validate.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "mtp-gateway configuration",
  "type": "object",
  "required": ["gateway", "opcua"],
  "properties": {
    "schema_version": {"type": "string"},
    "gateway": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "description": {"type": "string"},
        "log_level": {"enum": ["trace", "debug", "info", "warn", "error", "critical", "off"]},
        "log_format": {"enum": ["text", "json"]}
      }
    },
    "opcua": {
      "type": "object",
      "required": ["namespace_uri"],
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "namespace_uri": {"type": "string", "minLength": 1},
        "cert_file": {"type": "string"},
        "key_file": {"type": "string"}
      }
    },
    "connectors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "protocol"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "protocol": {"enum": ["modbus_tcp", "modbus_rtu", "s7", "eip", "opcua", "simulator"]},
          "address": {"type": "string"},
          "poll_interval_ms": {"type": "integer", "minimum": 1},
          "timeout_ms": {"type": "integer", "minimum": 1}
        }
      }
    },
    "tags": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "connector", "address", "datatype"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "connector": {"type": "string", "minLength": 1},
          "address": {"type": "string", "minLength": 1},
          "datatype": {"type": "string", "minLength": 1},
          "writable": {"type": "boolean"},
          "scale": {
            "type": "object",
            "required": ["gain"],
            "properties": {
              "gain": {"type": "number"},
              "offset": {"type": "number"}
            }
          }
        }
      }
    },
    "data_assemblies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "bindings": {"type": "object"}
        }
      }
    },
    "services": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "mode": {"enum": ["THICK", "THIN", "HYBRID", "thick", "thin", "hybrid", ""]},
          "self_completing": {"type": "boolean"}
        }
      }
    },
    "safety": {"type": "object"},
    "persistence": {"type": "object"},
    "webui": {"type": "object"}
  }
}`

// ValidateSchema checks a raw YAML document against the schema and
// reports each violation with its field path.
func ValidateSchema(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "parse document")
	}
	doc := normalizeYAML(raw)

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(Schema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return errors.Wrap(err, "schema validation")
	}
	if result.Valid() {
		return nil
	}
	var errs *multierror.Error
	for _, desc := range result.Errors() {
		errs = multierror.Append(errs, fmt.Errorf("%s: %s", desc.Field(), desc.Description()))
	}
	return errs.ErrorOrNil()
}

// normalizeYAML rewrites yaml.v2 map keys into strings so the document
// can travel through JSON tooling.
func normalizeYAML(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return v
	}
}
