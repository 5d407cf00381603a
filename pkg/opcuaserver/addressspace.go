// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package opcuaserver publishes the PEA as an OPC UA address space. The
// space itself is a plain in-memory node tree built deterministically
// from the model; the wire endpoint is a thin shim on top of it.
package opcuaserver

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/pea"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// NodeClass distinguishes structure from data
type NodeClass int

// Node classes
const (
	ClassObject NodeClass = iota
	ClassFolder
	ClassVariable
)

// Node is one entry in the address space. Variable values are guarded
// per node so subscribers and readers never contend across nodes.
type Node struct {
	Path       string
	BrowseName string
	Class      NodeClass
	DataType   string
	Writable   bool

	mu    sync.RWMutex
	value tag.Value
}

// Value returns the current sample of a variable node
func (n *Node) Value() tag.Value {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.value
}

// SetValue stores a sample on a variable node
func (n *Node) SetValue(v tag.Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = v
}

// serviceRef identifies the service variable behind a node path
type serviceRef struct {
	Service   string
	Attribute string
}

// AddressSpace is the deterministic node tree plus the binding tables
// the runtime needs.
type AddressSpace struct {
	Model *pea.Model

	nodes map[string]*Node
	order []string

	// TagBindings maps a tag to every data-assembly attribute bound to it
	TagBindings map[string][]string
	// TagNodes maps a tag to its direct variable under Tags/
	TagNodes map[string]string
	// ServiceNodes maps a service to its state-machine variable paths
	ServiceNodes map[string]map[string]string
	// InterlockBindings maps a source tag to the Interlock variables it
	// drives
	InterlockBindings map[string][]string

	// writableTags maps a writable bound node path back to its tag
	writableTags map[string]string
	// serviceWrites maps CommandOp/ProcedureReq paths to their service
	serviceWrites map[string]serviceRef
}

// Build constructs the address space for a model
func Build(model *pea.Model) (*AddressSpace, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	s := &AddressSpace{
		Model:             model,
		nodes:             map[string]*Node{},
		TagBindings:       map[string][]string{},
		TagNodes:          map[string]string{},
		ServiceNodes:      map[string]map[string]string{},
		InterlockBindings: map[string][]string{},
		writableTags:      map[string]string{},
		serviceWrites:     map[string]serviceRef{},
	}

	s.addNode(&Node{Path: model.RootPath(), BrowseName: model.RootPath(), Class: ClassObject})
	for _, section := range []string{
		pea.SectionDataAssemblies, pea.SectionServices, pea.SectionTags, pea.SectionDiagnostics,
	} {
		s.addNode(&Node{Path: model.NodePath(section), BrowseName: section, Class: ClassFolder})
	}

	for _, da := range model.DataAssemblies {
		if err := s.buildDataAssembly(da); err != nil {
			return nil, err
		}
	}
	for _, svc := range model.Services {
		s.buildService(svc)
	}
	for _, t := range model.Tags {
		s.buildTag(t)
	}
	s.buildDiagnostics()
	return s, nil
}

func (s *AddressSpace) addNode(n *Node) *Node {
	if existing, ok := s.nodes[n.Path]; ok {
		return existing
	}
	s.nodes[n.Path] = n
	s.order = append(s.order, n.Path)
	return n
}

func (s *AddressSpace) addVariable(path, name, dataType string, writable bool, initial tag.Value) *Node {
	n := s.addNode(&Node{
		Path:       path,
		BrowseName: name,
		Class:      ClassVariable,
		DataType:   dataType,
		Writable:   writable,
	})
	n.SetValue(initial)
	return n
}

func staticValue(v interface{}) tag.Value {
	return tag.NewValue(v, tag.QualityGood)
}

func (s *AddressSpace) buildDataAssembly(da pea.DataAssembly) error {
	attributes, err := pea.AttributesFor(da.Type)
	if err != nil {
		return errors.Wrapf(err, "data assembly %s", da.Name)
	}
	base := s.Model.NodePath(pea.SectionDataAssemblies, da.Name)
	s.addNode(&Node{Path: base, BrowseName: da.Name, Class: ClassObject})

	for _, attr := range attributes {
		path := base + "." + attr.Name
		s.addVariable(path, attr.Name, attr.DataType, attr.Writable, s.staticAttrValue(da, attr))

		if tagName, bound := da.Bindings[attr.Name]; bound {
			s.TagBindings[tagName] = append(s.TagBindings[tagName], path)
			if attr.Writable {
				s.writableTags[path] = tagName
			}
		}
		if attr.Name == "Interlock" && da.InterlockSource != "" {
			s.InterlockBindings[da.InterlockSource] = append(s.InterlockBindings[da.InterlockSource], path)
		}
	}
	return nil
}

// staticAttrValue seeds metadata attributes from the model; process
// values start BAD_NOT_CONNECTED until the first sample arrives.
func (s *AddressSpace) staticAttrValue(da pea.DataAssembly, attr pea.Attribute) tag.Value {
	switch attr.Name {
	case "VSclMin", "PVSclMin", "SPSclMin", "MVSclMin":
		if da.SclMin != nil {
			return staticValue(*da.SclMin)
		}
	case "VSclMax", "PVSclMax", "SPSclMax", "MVSclMax":
		if da.SclMax != nil {
			return staticValue(*da.SclMax)
		}
	case "VUnit", "PVUnit", "MVUnit":
		if da.Unit != "" {
			return staticValue(da.Unit)
		}
	case "VState0":
		if da.State0 != "" {
			return staticValue(da.State0)
		}
	case "VState1":
		if da.State1 != "" {
			return staticValue(da.State1)
		}
	case "WQC":
		return staticValue(uint32(0xFF))
	}
	return tag.NewBadValue(tag.QualityBadNotConnected)
}

func (s *AddressSpace) buildService(svc pea.Service) {
	base := s.Model.NodePath(pea.SectionServices, svc.Name)
	s.addNode(&Node{Path: base, BrowseName: svc.Name, Class: ClassObject})

	vars := map[string]string{}
	for _, attr := range pea.ServiceAttributes {
		path := base + "." + attr.Name
		s.addVariable(path, attr.Name, attr.DataType, attr.Writable, staticValue(uint32(0)))
		vars[attr.Name] = path
		if attr.Writable {
			s.serviceWrites[path] = serviceRef{Service: svc.Name, Attribute: attr.Name}
		}
	}
	s.ServiceNodes[svc.Name] = vars

	for _, folder := range pea.ServiceSubFolders {
		s.addNode(&Node{Path: base + "." + folder, BrowseName: folder, Class: ClassFolder})
	}
	for _, p := range svc.Procedures {
		path := base + ".Procedures." + pea.SanitizeName(p.Name)
		s.addVariable(path, pea.SanitizeName(p.Name), "UInt32", false, staticValue(uint32(p.ID)))
	}
}

func (s *AddressSpace) buildTag(t pea.TagNode) {
	path := s.Model.NodePath(pea.SectionTags, pea.SanitizeName(t.Name))
	s.addVariable(path, pea.SanitizeName(t.Name), t.DataType, t.Writable, tag.NewBadValue(tag.QualityBadNotConnected))
	s.TagNodes[t.Name] = path
	if t.Writable {
		s.writableTags[path] = t.Name
	}
}

func (s *AddressSpace) buildDiagnostics() {
	base := s.Model.NodePath(pea.SectionDiagnostics)
	s.addVariable(base+".Version", "Version", "String", false, staticValue(s.Model.Version))
	s.addVariable(base+".Healthy", "Healthy", "Boolean", false, staticValue(false))
	s.addVariable(base+".ConnectedConnectors", "ConnectedConnectors", "UInt32", false, staticValue(uint32(0)))
	s.addVariable(base+".ActiveAlarms", "ActiveAlarms", "UInt32", false, staticValue(uint32(0)))
}

// Node returns a node by path
func (s *AddressSpace) Node(path string) (*Node, bool) {
	n, ok := s.nodes[path]
	return n, ok
}

// Nodes returns every node in creation order
func (s *AddressSpace) Nodes() []*Node {
	out := make([]*Node, 0, len(s.order))
	for _, path := range s.order {
		out = append(out, s.nodes[path])
	}
	return out
}

// GetAllNodeIDs returns the expanded-form NodeId of every node, in
// creation order. Two builds of the same model return identical lists.
func (s *AddressSpace) GetAllNodeIDs() []string {
	out := make([]string, 0, len(s.order))
	for _, path := range s.order {
		out = append(out, s.Model.NodeID(path))
	}
	return out
}

// WriteInternal stores a sample on a node from inside the gateway.
// Internal writes never re-enter the external write path, which is what
// prevents feedback loops.
func (s *AddressSpace) WriteInternal(path string, v tag.Value) error {
	n, ok := s.nodes[path]
	if !ok {
		return errors.Errorf("no node at %q", path)
	}
	if n.Class != ClassVariable {
		return errors.Errorf("node %q is not a variable", path)
	}
	n.SetValue(v)
	return nil
}
