// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pea holds the shared model of the published Process Equipment
// Assembly: data assemblies, services and tags, plus the NodeId scheme.
// The OPC UA server and the manifest generator both derive their node
// sets from this model, which is what keeps them identical.
package pea

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Section names under the PEA root object
const (
	SectionDataAssemblies = "DataAssemblies"
	SectionServices       = "Services"
	SectionTags           = "Tags"
	SectionDiagnostics    = "Diagnostics"
)

// DataAssemblyType tags a data assembly with its MTP role
type DataAssemblyType string

// Data assembly types
const (
	TypeAnaView         DataAssemblyType = "AnaView"
	TypeAnaServParam    DataAssemblyType = "AnaServParam"
	TypeAnaMon          DataAssemblyType = "AnaMon"
	TypeAnaVlv          DataAssemblyType = "AnaVlv"
	TypeAnaDrv          DataAssemblyType = "AnaDrv"
	TypeBinView         DataAssemblyType = "BinView"
	TypeBinServParam    DataAssemblyType = "BinServParam"
	TypeBinMon          DataAssemblyType = "BinMon"
	TypeBinVlv          DataAssemblyType = "BinVlv"
	TypeBinDrv          DataAssemblyType = "BinDrv"
	TypeDIntView        DataAssemblyType = "DIntView"
	TypeDIntServParam   DataAssemblyType = "DIntServParam"
	TypeStringView      DataAssemblyType = "StringView"
	TypeStringServParam DataAssemblyType = "StringServParam"
	TypePIDCtrl         DataAssemblyType = "PIDCtrl"
)

// Attribute is one variable of a data assembly
type Attribute struct {
	Name     string
	DataType string // Boolean, Int32, UInt32, Float, Double, String
	Writable bool
}

func attrs(list ...Attribute) []Attribute { return list }

var (
	anaBase = attrs(
		Attribute{Name: "V", DataType: "Float"},
		Attribute{Name: "VSclMin", DataType: "Float"},
		Attribute{Name: "VSclMax", DataType: "Float"},
		Attribute{Name: "VUnit", DataType: "String"},
		Attribute{Name: "WQC", DataType: "UInt32"},
	)
	binBase = attrs(
		Attribute{Name: "V", DataType: "Boolean"},
		Attribute{Name: "VState0", DataType: "String"},
		Attribute{Name: "VState1", DataType: "String"},
		Attribute{Name: "WQC", DataType: "UInt32"},
	)
	dintBase = attrs(
		Attribute{Name: "V", DataType: "Int32"},
		Attribute{Name: "VSclMin", DataType: "Int32"},
		Attribute{Name: "VSclMax", DataType: "Int32"},
		Attribute{Name: "VUnit", DataType: "String"},
		Attribute{Name: "WQC", DataType: "UInt32"},
	)
)

// daAttributes is the canonical per-type variable set
var daAttributes = map[DataAssemblyType][]Attribute{
	TypeAnaView: anaBase,
	TypeAnaMon:  anaBase,
	TypeAnaServParam: append(append([]Attribute{}, anaBase...),
		Attribute{Name: "VInt", DataType: "Float"},
		Attribute{Name: "VReq", DataType: "Float", Writable: true},
		Attribute{Name: "VOpMin", DataType: "Float"},
		Attribute{Name: "VOpMax", DataType: "Float"},
		Attribute{Name: "SrcMode", DataType: "UInt32"},
	),
	TypeAnaVlv: append(append([]Attribute{}, anaBase...),
		Attribute{Name: "VFbk", DataType: "Float"},
		Attribute{Name: "OpMode", DataType: "UInt32"},
		Attribute{Name: "Interlock", DataType: "UInt32"},
		Attribute{Name: "Permit", DataType: "UInt32"},
	),
	TypeAnaDrv: append(append([]Attribute{}, anaBase...),
		Attribute{Name: "VFbk", DataType: "Float"},
		Attribute{Name: "OpMode", DataType: "UInt32"},
		Attribute{Name: "Interlock", DataType: "UInt32"},
		Attribute{Name: "Permit", DataType: "UInt32"},
	),
	TypeBinView: binBase,
	TypeBinMon:  binBase,
	TypeBinServParam: append(append([]Attribute{}, binBase...),
		Attribute{Name: "VInt", DataType: "Boolean"},
		Attribute{Name: "VReq", DataType: "Boolean", Writable: true},
		Attribute{Name: "SrcMode", DataType: "UInt32"},
	),
	TypeBinVlv: append(append([]Attribute{}, binBase...),
		Attribute{Name: "VFbkOpen", DataType: "Boolean"},
		Attribute{Name: "VFbkClose", DataType: "Boolean"},
		Attribute{Name: "OpMode", DataType: "UInt32"},
		Attribute{Name: "Interlock", DataType: "UInt32"},
		Attribute{Name: "Permit", DataType: "UInt32"},
		Attribute{Name: "MonPosErr", DataType: "Boolean"},
	),
	TypeBinDrv: append(append([]Attribute{}, binBase...),
		Attribute{Name: "VFbkOpen", DataType: "Boolean"},
		Attribute{Name: "VFbkClose", DataType: "Boolean"},
		Attribute{Name: "OpMode", DataType: "UInt32"},
		Attribute{Name: "Interlock", DataType: "UInt32"},
		Attribute{Name: "Permit", DataType: "UInt32"},
		Attribute{Name: "MonPosErr", DataType: "Boolean"},
	),
	TypeDIntView: dintBase,
	TypeDIntServParam: append(append([]Attribute{}, dintBase...),
		Attribute{Name: "VInt", DataType: "Int32"},
		Attribute{Name: "VReq", DataType: "Int32", Writable: true},
		Attribute{Name: "VOpMin", DataType: "Int32"},
		Attribute{Name: "VOpMax", DataType: "Int32"},
		Attribute{Name: "SrcMode", DataType: "UInt32"},
	),
	TypeStringView: attrs(
		Attribute{Name: "V", DataType: "String"},
	),
	TypeStringServParam: attrs(
		Attribute{Name: "V", DataType: "String"},
		Attribute{Name: "VInt", DataType: "String"},
	),
	TypePIDCtrl: attrs(
		Attribute{Name: "PV", DataType: "Float"},
		Attribute{Name: "PVSclMin", DataType: "Float"},
		Attribute{Name: "PVSclMax", DataType: "Float"},
		Attribute{Name: "PVUnit", DataType: "String"},
		Attribute{Name: "SP", DataType: "Float", Writable: true},
		Attribute{Name: "SPInt", DataType: "Float"},
		Attribute{Name: "SPSclMin", DataType: "Float"},
		Attribute{Name: "SPSclMax", DataType: "Float"},
		Attribute{Name: "MV", DataType: "Float"},
		Attribute{Name: "MVSclMin", DataType: "Float"},
		Attribute{Name: "MVSclMax", DataType: "Float"},
		Attribute{Name: "MVUnit", DataType: "String"},
		Attribute{Name: "Gain", DataType: "Float", Writable: true},
		Attribute{Name: "Ti", DataType: "Float", Writable: true},
		Attribute{Name: "Td", DataType: "Float", Writable: true},
		Attribute{Name: "OpMode", DataType: "UInt32"},
		Attribute{Name: "ManMode", DataType: "UInt32"},
	),
}

// AttributesFor returns the canonical variable set of a type
func AttributesFor(t DataAssemblyType) ([]Attribute, error) {
	a, ok := daAttributes[t]
	if !ok {
		return nil, errors.Errorf("unknown data assembly type %q", t)
	}
	return a, nil
}

// ParseDataAssemblyType validates a type string
func ParseDataAssemblyType(s string) (DataAssemblyType, error) {
	t := DataAssemblyType(s)
	if _, ok := daAttributes[t]; !ok {
		return "", errors.Errorf("unknown data assembly type %q", s)
	}
	return t, nil
}

// ServiceAttributes is the fixed state-machine variable set of a service
var ServiceAttributes = []Attribute{
	{Name: "CommandOp", DataType: "UInt32", Writable: true},
	{Name: "CommandInt", DataType: "UInt32"},
	{Name: "CommandExt", DataType: "UInt32"},
	{Name: "StateCur", DataType: "UInt32"},
	{Name: "StateChannel", DataType: "UInt32"},
	{Name: "ProcedureCur", DataType: "UInt32"},
	{Name: "ProcedureReq", DataType: "UInt32", Writable: true},
}

// ServiceSubFolders are created under every service object
var ServiceSubFolders = []string{"Parameters", "ReportValues", "Procedures"}

// DataAssembly is one published data assembly
type DataAssembly struct {
	Name string
	Type DataAssemblyType
	// Bindings maps attribute name to the source/target tag
	Bindings map[string]string
	// Scale metadata for analog and integer types
	SclMin *float64
	SclMax *float64
	Unit   string
	// State texts for binary types
	State0 string
	State1 string
	// Monitor limits, AnaMon only
	LimitHH *float64
	LimitH  *float64
	LimitL  *float64
	LimitLL *float64
	// InterlockSource wires valve/drive Interlock variables to a tag
	InterlockSource string
}

// Procedure is one selectable service procedure
type Procedure struct {
	ID      int
	Name    string
	Default bool
}

// Service is one published service
type Service struct {
	Name           string
	Mode           string // THICK, THIN, HYBRID
	SelfCompleting bool
	Procedures     []Procedure
}

// TagNode is one per-tag variable under Tags/
type TagNode struct {
	Name     string
	DataType string
	Writable bool
	Unit     string
}

// Model is the full published PEA
type Model struct {
	Name         string
	Version      string
	Description  string
	NamespaceURI string
	Endpoint     string

	DataAssemblies []DataAssembly
	Services       []Service
	Tags           []TagNode
}

// Validate rejects models the builder and generator cannot publish
func (m *Model) Validate() error {
	if m.Name == "" {
		return errors.New("PEA name is required")
	}
	if m.NamespaceURI == "" {
		return errors.New("namespace URI is required")
	}
	seen := map[string]struct{}{}
	for _, da := range m.DataAssemblies {
		if _, err := AttributesFor(da.Type); err != nil {
			return errors.Wrapf(err, "data assembly %s", da.Name)
		}
		if _, dup := seen[da.Name]; dup {
			return errors.Errorf("duplicate data assembly name %q", da.Name)
		}
		seen[da.Name] = struct{}{}
		valid, _ := AttributesFor(da.Type)
		for attr := range da.Bindings {
			if !attrExists(valid, attr) {
				return errors.Errorf("data assembly %s: type %s has no attribute %q", da.Name, da.Type, attr)
			}
		}
	}
	return nil
}

func attrExists(list []Attribute, name string) bool {
	for _, a := range list {
		if a.Name == name {
			return true
		}
	}
	return false
}

// RootPath is the browse path of the PEA root object
func (m *Model) RootPath() string {
	return "PEA_" + m.Name
}

// NodePath joins path segments under the PEA root with dots
func (m *Model) NodePath(parts ...string) string {
	return m.RootPath() + "." + strings.Join(parts, ".")
}

// NodeID renders the expanded-form NodeId string for a node path. Both
// the server and the manifest emit this exact form, which keeps the
// namespace index out of the contract.
func (m *Model) NodeID(path string) string {
	return fmt.Sprintf("nsu=%s;s=%s", m.NamespaceURI, path)
}

// SanitizeName turns a tag name into a browse-safe path segment
func SanitizeName(name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "/", "_").Replace(name)
}
