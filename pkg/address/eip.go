// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package address

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EIPSegment is one member of a dotted CIP symbolic path, optionally
// subscripted with array indices.
type EIPSegment struct {
	Name    string
	Indices []int
}

// EIPAddress is a parsed Allen-Bradley CIP symbolic tag path, e.g.
// "Program:MainProgram.Motor[2].Status{3}".
type EIPAddress struct {
	Program  string // empty for controller-scoped tags
	Segments []EIPSegment
	Bit      int // -1 when no bit access
}

var (
	eipIdentRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	eipSegmentRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(\[(\d+(,\d+)*)\])?$`)
)

// ParseEIP parses a CIP symbolic path: an identifier, dotted members,
// "[n]" or "[n,n,...]" array indices, "{n}" bit access, and an optional
// "Program:<name>." prefix.
func ParseEIP(s string) (EIPAddress, error) {
	addr := EIPAddress{Bit: -1}
	rest := strings.TrimSpace(s)
	if rest == "" {
		return addr, fmt.Errorf("empty CIP tag path")
	}

	if strings.HasPrefix(rest, "Program:") {
		rest = rest[len("Program:"):]
		idx := strings.Index(rest, ".")
		if idx <= 0 {
			return addr, fmt.Errorf("program-scoped path %q must name a tag after the program", s)
		}
		addr.Program = rest[:idx]
		if !eipIdentRe.MatchString(addr.Program) {
			return addr, fmt.Errorf("invalid program name %q in %q", addr.Program, s)
		}
		rest = rest[idx+1:]
	}

	if idx := strings.Index(rest, "{"); idx > 0 {
		if !strings.HasSuffix(rest, "}") {
			return addr, fmt.Errorf("unterminated bit access in %q", s)
		}
		bit, err := strconv.Atoi(rest[idx+1 : len(rest)-1])
		if err != nil || bit < 0 || bit > 63 {
			return addr, fmt.Errorf("invalid bit access %q in %q", rest[idx+1:len(rest)-1], s)
		}
		addr.Bit = bit
		rest = rest[:idx]
	}

	for _, part := range strings.Split(rest, ".") {
		m := eipSegmentRe.FindStringSubmatch(part)
		if m == nil {
			return addr, fmt.Errorf("invalid path segment %q in %q", part, s)
		}
		seg := EIPSegment{Name: m[1]}
		if m[3] != "" {
			for _, idxStr := range strings.Split(m[3], ",") {
				idx, err := strconv.Atoi(idxStr)
				if err != nil {
					return addr, fmt.Errorf("invalid array index %q in %q", idxStr, s)
				}
				seg.Indices = append(seg.Indices, idx)
			}
		}
		addr.Segments = append(addr.Segments, seg)
	}
	return addr, nil
}

// String returns the normalized path
func (a EIPAddress) String() string {
	var b strings.Builder
	if a.Program != "" {
		fmt.Fprintf(&b, "Program:%s.", a.Program)
	}
	for i, seg := range a.Segments {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg.Name)
		if len(seg.Indices) > 0 {
			parts := make([]string, len(seg.Indices))
			for j, idx := range seg.Indices {
				parts[j] = strconv.Itoa(idx)
			}
			fmt.Fprintf(&b, "[%s]", strings.Join(parts, ","))
		}
	}
	if a.Bit >= 0 {
		fmt.Fprintf(&b, "{%d}", a.Bit)
	}
	return b.String()
}
