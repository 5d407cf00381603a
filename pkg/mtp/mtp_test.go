// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mtp

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/opcuaserver"
	"github.com/DataDog/mtp-gateway/pkg/pea"
)

func testModel() *pea.Model {
	min, max := 0.0, 150.0
	return &pea.Model{
		Name:         "Dosing",
		Version:      "1.2.0",
		Description:  "dosing unit",
		NamespaceURI: "urn:datadog:mtp:dosing",
		Endpoint:     "opc.tcp://0.0.0.0:4840",
		DataAssemblies: []pea.DataAssembly{
			{
				Name:     "Temperature",
				Type:     pea.TypeAnaView,
				Unit:     "degC",
				SclMin:   &min,
				SclMax:   &max,
				Bindings: map[string]string{"V": "plc.temp"},
			},
			{
				Name:     "FeedValve",
				Type:     pea.TypeBinVlv,
				State0:   "closed",
				State1:   "open",
				Bindings: map[string]string{"V": "plc.valve"},
			},
		},
		Services: []pea.Service{
			{Name: "Dose", Mode: "THICK", Procedures: []pea.Procedure{
				{ID: 1, Name: "Fast"},
				{ID: 2, Name: "Slow", Default: true},
			}},
			{Name: "Mix", Mode: "THIN"},
		},
		Tags: []pea.TagNode{
			{Name: "plc.temp", DataType: "Float"},
		},
	}
}

func TestManifestMatchesServerNodeIDs(t *testing.T) {
	model := testModel()

	doc, err := BuildManifest(model, Options{Deterministic: true})
	require.NoError(t, err)
	manifestIDs := doc.NodeIDs()
	require.NotEmpty(t, manifestIDs)

	space, err := opcuaserver.Build(model)
	require.NoError(t, err)
	serverIDs := map[string]bool{}
	for _, id := range space.GetAllNodeIDs() {
		serverIDs[id] = true
	}

	for _, id := range manifestIDs {
		assert.True(t, serverIDs[id], "manifest NodeId %s not on server", id)
	}

	// service state-machine variables appear on both sides
	for _, svc := range []string{"Dose", "Mix"} {
		for _, attr := range pea.ServiceAttributes {
			id := model.NodeID(model.NodePath(pea.SectionServices, svc, attr.Name))
			assert.Contains(t, manifestIDs, id)
			assert.True(t, serverIDs[id])
		}
	}
}

func TestDeterministicManifestIsByteIdentical(t *testing.T) {
	model := testModel()
	a, err := GenerateManifest(model, Options{Deterministic: true})
	require.NoError(t, err)
	b, err := GenerateManifest(model, Options{Deterministic: true})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// without the flag element ids differ between runs
	c, err := GenerateManifest(model, Options{})
	require.NoError(t, err)
	d, err := GenerateManifest(model, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, c, d)
}

func TestManifestRoundTrip(t *testing.T) {
	model := testModel()
	data, err := GenerateManifest(model, Options{Deterministic: true})
	require.NoError(t, err)

	doc, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "3.0", doc.SchemaVersion)
	require.Len(t, doc.InstanceHierarchy.Elements, 1)
	pe := doc.InstanceHierarchy.Elements[0]
	assert.Equal(t, "PEA_Dosing", pe.Name)
	require.Len(t, pe.Children, 3)

	original, err := BuildManifest(model, Options{Deterministic: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, original.NodeIDs(), doc.NodeIDs())
}

func TestManifestMetadata(t *testing.T) {
	data, err := GenerateManifest(testModel(), Options{Deterministic: true})
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, `RefBaseSystemUnitPath="MTPDataObjectSUCLib/DataAssembly/AnaView"`)
	assert.Contains(t, text, `RefBaseSystemUnitPath="MTPDataObjectSUCLib/DataAssembly/BinVlv"`)
	assert.Contains(t, text, "opc.tcp://0.0.0.0:4840")
	assert.Contains(t, text, "urn:datadog:mtp:dosing")
	assert.Contains(t, text, `Name="ProxyMode"`)
	assert.Contains(t, text, `Name="VNodeId"`)
	// two procedures on the thick service
	assert.Contains(t, text, `Name="Fast"`)
	assert.Contains(t, text, `Name="Slow"`)
}

func TestPackageContents(t *testing.T) {
	data, err := GeneratePackage(testModel(), Options{Deterministic: true})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)

	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		files[f.Name] = body
	}

	require.Contains(t, files, "manifest.aml")
	require.Contains(t, files, "manifest.info")

	doc, err := ParseManifest(files["manifest.aml"])
	require.NoError(t, err)
	assert.NotEmpty(t, doc.NodeIDs())

	var info PackageInfo
	require.NoError(t, json.Unmarshal(files["manifest.info"], &info))
	assert.Equal(t, "Dosing", info.Name)
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, "urn:datadog:mtp:dosing", info.NamespaceURI)

	again, err := GeneratePackage(testModel(), Options{Deterministic: true})
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestNodeSet(t *testing.T) {
	model := testModel()
	data, err := GenerateNodeSet(model, Options{Deterministic: true})
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "<Uri>urn:datadog:mtp:dosing</Uri>")
	for _, alias := range []string{"Boolean", "UInt32", "Float", "Double", "String", "Int16"} {
		assert.Contains(t, text, `Alias="`+alias+`"`)
	}
	assert.Contains(t, text, `NodeId="ns=1;s=PEA_Dosing.DataAssemblies.Temperature.V"`)
	assert.Contains(t, text, `NodeId="ns=1;s=PEA_Dosing.Services.Dose.StateCur"`)
	assert.Contains(t, text, `NodeId="ns=1;s=PEA_Dosing.Services.Dose.Procedures.Slow"`)
	assert.Contains(t, text, `NodeId="ns=1;s=PEA_Dosing.Tags.plc_temp"`)

	// the string part of every variable id is a path the server has
	space, err := opcuaserver.Build(model)
	require.NoError(t, err)
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, `NodeId="ns=1;s=`)
		if idx < 0 {
			continue
		}
		rest := line[idx+len(`NodeId="ns=1;s=`):]
		end := strings.Index(rest, `"`)
		require.True(t, end > 0)
		_, ok := space.Node(rest[:end])
		assert.True(t, ok, "nodeset path %s missing on server", rest[:end])
	}

	again, err := GenerateNodeSet(model, Options{Deterministic: true})
	require.NoError(t, err)
	assert.Equal(t, data, again)
}
