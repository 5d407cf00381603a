// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package address

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NodeIDType is the identifier encoding of an OPC UA NodeId
type NodeIDType int

// NodeId identifier encodings
const (
	NodeIDNumeric NodeIDType = iota
	NodeIDString
	NodeIDGUID
	NodeIDOpaque
)

// NodeID is a parsed OPC UA NodeId in either numeric-namespace
// ("ns=2;s=...") or expanded ("nsu=urn:...;s=...") form.
type NodeID struct {
	NamespaceIndex uint16
	NamespaceURI   string // expanded form when non-empty
	Type           NodeIDType
	NumericID      uint32
	StringID       string
	GUIDID         string
	OpaqueID       []byte
}

var nodeGUIDRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ParseNodeID parses an OPC UA NodeId string: "ns=<n>;i=<num>",
// "ns=<n>;s=<str>", "ns=<n>;g=<guid>", "ns=<n>;b=<base64>", and the
// expanded "nsu=<uri>;..." forms. The namespace defaults to 0 when
// neither ns= nor nsu= is present.
func ParseNodeID(s string) (NodeID, error) {
	n := NodeID{}
	rest := strings.TrimSpace(s)
	if rest == "" {
		return n, fmt.Errorf("empty node id")
	}

	if strings.HasPrefix(rest, "nsu=") {
		idx := strings.Index(rest, ";")
		if idx <= len("nsu=") {
			return n, fmt.Errorf("node id %q has an empty namespace uri", s)
		}
		n.NamespaceURI = rest[len("nsu="):idx]
		rest = rest[idx+1:]
	} else if strings.HasPrefix(rest, "ns=") {
		idx := strings.Index(rest, ";")
		if idx < 0 {
			return n, fmt.Errorf("node id %q is missing an identifier after the namespace", s)
		}
		ns, err := strconv.ParseUint(rest[len("ns="):idx], 10, 16)
		if err != nil {
			return n, fmt.Errorf("invalid namespace index in %q", s)
		}
		n.NamespaceIndex = uint16(ns)
		rest = rest[idx+1:]
	}

	if len(rest) < 2 || rest[1] != '=' {
		return n, fmt.Errorf("node id %q has no identifier part", s)
	}
	id := rest[2:]
	switch rest[0] {
	case 'i':
		num, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return n, fmt.Errorf("invalid numeric identifier %q in %q", id, s)
		}
		n.Type = NodeIDNumeric
		n.NumericID = uint32(num)
	case 's':
		if id == "" {
			return n, fmt.Errorf("empty string identifier in %q", s)
		}
		n.Type = NodeIDString
		n.StringID = id
	case 'g':
		if !nodeGUIDRe.MatchString(id) {
			return n, fmt.Errorf("invalid guid identifier %q in %q", id, s)
		}
		n.Type = NodeIDGUID
		n.GUIDID = strings.ToLower(id)
	case 'b':
		raw, err := base64.StdEncoding.DecodeString(id)
		if err != nil || len(raw) == 0 {
			return n, fmt.Errorf("invalid base64 identifier %q in %q", id, s)
		}
		n.Type = NodeIDOpaque
		n.OpaqueID = raw
	default:
		return n, fmt.Errorf("unknown identifier type %q in %q", string(rest[0]), s)
	}
	return n, nil
}

// String returns the normalized NodeId string. Expanded form wins when a
// namespace URI is set; "ns=0;" is omitted in numeric-namespace form.
func (n NodeID) String() string {
	var b strings.Builder
	if n.NamespaceURI != "" {
		fmt.Fprintf(&b, "nsu=%s;", n.NamespaceURI)
	} else if n.NamespaceIndex != 0 {
		fmt.Fprintf(&b, "ns=%d;", n.NamespaceIndex)
	}
	switch n.Type {
	case NodeIDNumeric:
		fmt.Fprintf(&b, "i=%d", n.NumericID)
	case NodeIDString:
		fmt.Fprintf(&b, "s=%s", n.StringID)
	case NodeIDGUID:
		fmt.Fprintf(&b, "g=%s", n.GUIDID)
	case NodeIDOpaque:
		fmt.Fprintf(&b, "b=%s", base64.StdEncoding.EncodeToString(n.OpaqueID))
	}
	return b.String()
}
