// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mtp

import (
	"encoding/xml"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/pea"
)

const nodesetXMLNS = "http://opcfoundation.org/UA/2011/03/UANodeSet.xsd"

// UANodeSet is the NodeSet2 document root
type UANodeSet struct {
	XMLName       xml.Name      `xml:"UANodeSet"`
	XMLNS         string        `xml:"xmlns,attr"`
	LastModified  string        `xml:"LastModified,attr"`
	NamespaceUris NamespaceUris `xml:"NamespaceUris"`
	Aliases       Aliases       `xml:"Aliases"`
	Objects       []UAObject    `xml:"UAObject"`
	Variables     []UAVariable  `xml:"UAVariable"`
}

// NamespaceUris lists the registered namespaces
type NamespaceUris struct {
	Uri []string `xml:"Uri"`
}

// Aliases maps type names to their well-known numeric ids
type Aliases struct {
	Alias []Alias `xml:"Alias"`
}

// Alias is one type alias entry
type Alias struct {
	Name  string `xml:"Alias,attr"`
	Value string `xml:",chardata"`
}

// UAObject is a structure node in the set
type UAObject struct {
	NodeId      string     `xml:"NodeId,attr"`
	BrowseName  string     `xml:"BrowseName,attr"`
	DisplayName string     `xml:"DisplayName"`
	References  References `xml:"References"`
}

// UAVariable is a value node in the set
type UAVariable struct {
	NodeId      string     `xml:"NodeId,attr"`
	BrowseName  string     `xml:"BrowseName,attr"`
	DataType    string     `xml:"DataType,attr"`
	AccessLevel uint8      `xml:"AccessLevel,attr,omitempty"`
	DisplayName string     `xml:"DisplayName"`
	References  References `xml:"References"`
}

// References holds a node's reference list
type References struct {
	Reference []Reference `xml:"Reference"`
}

// Reference points at another node
type Reference struct {
	ReferenceType string `xml:"ReferenceType,attr"`
	IsForward     *bool  `xml:"IsForward,attr,omitempty"`
	Target        string `xml:",chardata"`
}

var typeAliases = []Alias{
	{Name: "Boolean", Value: "i=1"},
	{Name: "Int16", Value: "i=4"},
	{Name: "Int32", Value: "i=6"},
	{Name: "UInt32", Value: "i=7"},
	{Name: "Float", Value: "i=10"},
	{Name: "Double", Value: "i=11"},
	{Name: "String", Value: "i=12"},
}

// accessLevel bits per OPC UA part 3
const (
	accessRead  = 0x01
	accessWrite = 0x02
)

func nodeID(path string) string {
	return "ns=1;s=" + path
}

func parentRef(parentPath string) References {
	f := false
	return References{Reference: []Reference{{
		ReferenceType: "HasComponent",
		IsForward:     &f,
		Target:        nodeID(parentPath),
	}}}
}

// nodesetBuilder walks the model collecting objects and variables with
// their parent links.
type nodesetBuilder struct {
	model     *pea.Model
	objects   []UAObject
	variables []UAVariable
}

func (b *nodesetBuilder) addObject(path, parent, name string) {
	obj := UAObject{
		NodeId:      nodeID(path),
		BrowseName:  "1:" + name,
		DisplayName: name,
	}
	if parent != "" {
		obj.References = parentRef(parent)
	} else {
		f := false
		obj.References = References{Reference: []Reference{{
			ReferenceType: "Organizes",
			IsForward:     &f,
			Target:        "i=85",
		}}}
	}
	b.objects = append(b.objects, obj)
}

func (b *nodesetBuilder) addVariable(path, parent, name, dataType string, writable bool) {
	level := uint8(accessRead)
	if writable {
		level |= accessWrite
	}
	b.variables = append(b.variables, UAVariable{
		NodeId:      nodeID(path),
		BrowseName:  "1:" + name,
		DataType:    dataType,
		AccessLevel: level,
		DisplayName: name,
		References:  parentRef(parent),
	})
}

func (b *nodesetBuilder) build() error {
	m := b.model
	root := m.RootPath()
	b.addObject(root, "", root)
	for _, section := range []string{
		pea.SectionDataAssemblies, pea.SectionServices, pea.SectionTags, pea.SectionDiagnostics,
	} {
		b.addObject(m.NodePath(section), root, section)
	}

	for _, da := range m.DataAssemblies {
		base := m.NodePath(pea.SectionDataAssemblies, da.Name)
		b.addObject(base, m.NodePath(pea.SectionDataAssemblies), da.Name)
		attributes, err := pea.AttributesFor(da.Type)
		if err != nil {
			return err
		}
		for _, attr := range attributes {
			b.addVariable(base+"."+attr.Name, base, attr.Name, attr.DataType, attr.Writable)
		}
	}

	for _, svc := range m.Services {
		base := m.NodePath(pea.SectionServices, svc.Name)
		b.addObject(base, m.NodePath(pea.SectionServices), svc.Name)
		for _, attr := range pea.ServiceAttributes {
			b.addVariable(base+"."+attr.Name, base, attr.Name, attr.DataType, attr.Writable)
		}
		for _, folder := range pea.ServiceSubFolders {
			b.addObject(base+"."+folder, base, folder)
		}
		for _, p := range svc.Procedures {
			name := pea.SanitizeName(p.Name)
			b.addVariable(base+".Procedures."+name, base+".Procedures", name, "UInt32", false)
		}
	}

	for _, t := range m.Tags {
		name := pea.SanitizeName(t.Name)
		b.addVariable(m.NodePath(pea.SectionTags, name), m.NodePath(pea.SectionTags), name, t.DataType, t.Writable)
	}
	return nil
}

// GenerateNodeSet renders the model as NodeSet2 XML
func GenerateNodeSet(model *pea.Model, opts Options) ([]byte, error) {
	if err := model.Validate(); err != nil {
		return nil, errors.Wrap(err, "nodeset")
	}
	b := &nodesetBuilder{model: model}
	if err := b.build(); err != nil {
		return nil, errors.Wrap(err, "nodeset")
	}

	doc := UANodeSet{
		XMLNS:         nodesetXMLNS,
		LastModified:  opts.timestamp().Format(time.RFC3339),
		NamespaceUris: NamespaceUris{Uri: []string{model.NamespaceURI}},
		Aliases:       Aliases{Alias: typeAliases},
		Objects:       b.objects,
		Variables:     b.variables,
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal nodeset")
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}
