// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mtp generates the AutomationML/CAEX manifest and the NodeSet2
// export for a PEA model. Both derive their NodeId strings from pkg/pea,
// the same scheme the OPC UA server publishes, so the manifest always
// describes nodes the server actually has.
package mtp

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/pea"
)

const (
	caexSchemaVersion = "3.0"
	amlStandard       = "AutomationML 2.10"
	suclibPrefix      = "MTPDataObjectSUCLib/DataAssembly/"
)

// fixedTimestamp is emitted in deterministic mode so repeated
// generations are byte-identical.
var fixedTimestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Options steer manifest and nodeset generation
type Options struct {
	// Deterministic derives every UUID from the model content and pins
	// the timestamps, making output byte-identical across runs.
	Deterministic bool
	// Now overrides the generation timestamp; zero means wall clock
	// (or the fixed stamp in deterministic mode).
	Now time.Time
}

func (o Options) timestamp() time.Time {
	if !o.Now.IsZero() {
		return o.Now.UTC()
	}
	if o.Deterministic {
		return fixedTimestamp
	}
	return time.Now().UTC()
}

// id returns the UUID for a node path. Deterministic mode hashes the
// namespace URI and path so the same model always yields the same ids.
func (o Options) id(model *pea.Model, path string) string {
	if o.Deterministic {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(model.NamespaceURI+"/"+path)).String()
	}
	return uuid.New().String()
}

// CAEXFile is the AutomationML document root
type CAEXFile struct {
	XMLName           xml.Name          `xml:"CAEXFile"`
	FileName          string            `xml:"FileName,attr"`
	SchemaVersion     string            `xml:"SchemaVersion,attr"`
	Superior          string            `xml:"SuperiorStandardVersion"`
	SourceDocInfo     SourceDocInfo     `xml:"SourceDocumentInformation"`
	InstanceHierarchy InstanceHierarchy `xml:"InstanceHierarchy"`
	RoleClassLib      ClassLib          `xml:"RoleClassLib"`
	InterfaceClassLib ClassLib          `xml:"InterfaceClassLib"`
}

// SourceDocInfo records the generating tool
type SourceDocInfo struct {
	OriginName      string `xml:"OriginName,attr"`
	OriginVersion   string `xml:"OriginVersion,attr"`
	LastWritingDate string `xml:"LastWritingDateTime,attr"`
}

// ClassLib is a named class library stub
type ClassLib struct {
	Name    string      `xml:"Name,attr"`
	Classes []ClassStub `xml:"RoleClass,omitempty"`
	Ifaces  []ClassStub `xml:"InterfaceClass,omitempty"`
}

// ClassStub names a class inside a library
type ClassStub struct {
	Name string `xml:"Name,attr"`
}

// InstanceHierarchy holds the single PEA element
type InstanceHierarchy struct {
	Name     string            `xml:"Name,attr"`
	Elements []InternalElement `xml:"InternalElement"`
}

// InternalElement is a CAEX structure node
type InternalElement struct {
	Name     string            `xml:"Name,attr"`
	ID       string            `xml:"ID,attr"`
	RefBase  string            `xml:"RefBaseSystemUnitPath,attr,omitempty"`
	Attrs    []CAEXAttribute   `xml:"Attribute,omitempty"`
	Children []InternalElement `xml:"InternalElement,omitempty"`
}

// CAEXAttribute is a name/value pair on an element
type CAEXAttribute struct {
	Name     string `xml:"Name,attr"`
	DataType string `xml:"AttributeDataType,attr,omitempty"`
	Value    string `xml:"Value"`
}

func strAttr(name, value string) CAEXAttribute {
	return CAEXAttribute{Name: name, DataType: "xs:string", Value: value}
}

func floatAttr(name string, value float64) CAEXAttribute {
	return CAEXAttribute{Name: name, DataType: "xs:double", Value: fmt.Sprintf("%g", value)}
}

// BuildManifest assembles the CAEX document for a model
func BuildManifest(model *pea.Model, opts Options) (*CAEXFile, error) {
	if err := model.Validate(); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}

	pe := InternalElement{
		Name: model.RootPath(),
		ID:   opts.id(model, model.RootPath()),
		Attrs: []CAEXAttribute{
			strAttr("Name", model.Name),
			strAttr("Version", model.Version),
			strAttr("Description", model.Description),
		},
		Children: []InternalElement{
			buildDataAssemblies(model, opts),
			buildServices(model, opts),
			buildCommunication(model, opts),
		},
	}

	return &CAEXFile{
		FileName:      "manifest.aml",
		SchemaVersion: caexSchemaVersion,
		Superior:      amlStandard,
		SourceDocInfo: SourceDocInfo{
			OriginName:      "mtp-gateway",
			OriginVersion:   model.Version,
			LastWritingDate: opts.timestamp().Format(time.RFC3339),
		},
		InstanceHierarchy: InstanceHierarchy{
			Name:     model.Name,
			Elements: []InternalElement{pe},
		},
		RoleClassLib: ClassLib{
			Name:    "MTPRoleClassLib",
			Classes: []ClassStub{{Name: "DataAssembly"}, {Name: "Service"}},
		},
		InterfaceClassLib: ClassLib{
			Name:   "MTPInterfaceClassLib",
			Ifaces: []ClassStub{{Name: "OPCUAServerInterface"}},
		},
	}, nil
}

func buildDataAssemblies(model *pea.Model, opts Options) InternalElement {
	group := InternalElement{
		Name: pea.SectionDataAssemblies,
		ID:   opts.id(model, model.NodePath(pea.SectionDataAssemblies)),
	}
	for _, da := range model.DataAssemblies {
		base := model.NodePath(pea.SectionDataAssemblies, da.Name)
		el := InternalElement{
			Name:    da.Name,
			ID:      opts.id(model, base),
			RefBase: suclibPrefix + string(da.Type),
			Attrs:   []CAEXAttribute{strAttr("Type", string(da.Type))},
		}
		if da.Unit != "" {
			el.Attrs = append(el.Attrs, strAttr("Unit", da.Unit))
		}
		if da.SclMin != nil {
			el.Attrs = append(el.Attrs, floatAttr("SclMin", *da.SclMin))
		}
		if da.SclMax != nil {
			el.Attrs = append(el.Attrs, floatAttr("SclMax", *da.SclMax))
		}
		attributes, _ := pea.AttributesFor(da.Type)
		for _, attr := range attributes {
			el.Attrs = append(el.Attrs, strAttr(attr.Name+"NodeId", model.NodeID(base+"."+attr.Name)))
		}
		group.Children = append(group.Children, el)
	}
	return group
}

func buildServices(model *pea.Model, opts Options) InternalElement {
	group := InternalElement{
		Name: pea.SectionServices,
		ID:   opts.id(model, model.NodePath(pea.SectionServices)),
	}
	for _, svc := range model.Services {
		base := model.NodePath(pea.SectionServices, svc.Name)
		el := InternalElement{
			Name:    svc.Name,
			ID:      opts.id(model, base),
			RefBase: "MTPServiceSUCLib/Service",
			Attrs:   []CAEXAttribute{strAttr("ProxyMode", svc.Mode)},
		}
		for _, attr := range pea.ServiceAttributes {
			el.Attrs = append(el.Attrs, strAttr(attr.Name+"NodeId", model.NodeID(base+"."+attr.Name)))
		}
		for _, p := range svc.Procedures {
			proc := InternalElement{
				Name: p.Name,
				ID:   opts.id(model, base+".Procedures."+pea.SanitizeName(p.Name)),
				Attrs: []CAEXAttribute{
					{Name: "ProcedureId", DataType: "xs:unsignedInt", Value: fmt.Sprintf("%d", p.ID)},
					{Name: "IsDefault", DataType: "xs:boolean", Value: fmt.Sprintf("%t", p.Default)},
				},
			}
			el.Children = append(el.Children, proc)
		}
		group.Children = append(group.Children, el)
	}
	return group
}

func buildCommunication(model *pea.Model, opts Options) InternalElement {
	return InternalElement{
		Name: "Communication",
		ID:   opts.id(model, model.NodePath("Communication")),
		Attrs: []CAEXAttribute{
			strAttr("Endpoint", model.Endpoint),
			strAttr("NamespaceURI", model.NamespaceURI),
		},
	}
}

// GenerateManifest renders the CAEX document as indented XML
func GenerateManifest(model *pea.Model, opts Options) ([]byte, error) {
	doc, err := BuildManifest(model, opts)
	if err != nil {
		return nil, err
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal manifest")
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// NodeIDs returns every NodeId attribute value in the manifest, in
// document order.
func (f *CAEXFile) NodeIDs() []string {
	var out []string
	var walk func(el InternalElement)
	walk = func(el InternalElement) {
		for _, a := range el.Attrs {
			if len(a.Name) > 6 && a.Name[len(a.Name)-6:] == "NodeId" {
				out = append(out, a.Value)
			}
		}
		for _, c := range el.Children {
			walk(c)
		}
	}
	for _, el := range f.InstanceHierarchy.Elements {
		walk(el)
	}
	return out
}

// ParseManifest reads a CAEX document back
func ParseManifest(data []byte) (*CAEXFile, error) {
	var doc CAEXFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	return &doc, nil
}
