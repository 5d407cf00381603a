// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mtp

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/pea"
)

// PackageInfo is the manifest.info sidecar inside the package
type PackageInfo struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Description  string `json:"description,omitempty"`
	NamespaceURI string `json:"namespace_uri"`
	Endpoint     string `json:"endpoint,omitempty"`
	GeneratedAt  string `json:"generated_at"`
	Generator    string `json:"generator"`
}

// GeneratePackage produces the ZIP form of the manifest: manifest.aml
// plus a manifest.info descriptor. In deterministic mode the archive
// entry timestamps are pinned so the bytes repeat.
func GeneratePackage(model *pea.Model, opts Options) ([]byte, error) {
	manifest, err := GenerateManifest(model, opts)
	if err != nil {
		return nil, err
	}

	info := PackageInfo{
		Name:         model.Name,
		Version:      model.Version,
		Description:  model.Description,
		NamespaceURI: model.NamespaceURI,
		Endpoint:     model.Endpoint,
		GeneratedAt:  opts.timestamp().Format(time.RFC3339),
		Generator:    "mtp-gateway",
	}
	infoBody, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal package info")
	}
	infoBody = append(infoBody, '\n')

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	stamp := opts.timestamp()
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{"manifest.aml", manifest},
		{"manifest.info", infoBody},
	} {
		hdr := &zip.FileHeader{Name: entry.name, Method: zip.Deflate, Modified: stamp}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, errors.Wrapf(err, "package entry %s", entry.name)
		}
		if _, err := w.Write(entry.body); err != nil {
			return nil, errors.Wrapf(err, "package entry %s", entry.name)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "close package")
	}
	return buf.Bytes(), nil
}
