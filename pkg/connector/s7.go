// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robinson/gos7"

	"github.com/DataDog/mtp-gateway/pkg/address"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// S7Config configures a Siemens S7 adapter (ISO-on-TCP, port 102)
type S7Config struct {
	Address string // "host" or "host:port"
	Rack    int
	Slot    int
	Timeout time.Duration
	Backoff BackoffConfig
}

// S7Adapter speaks ISO-on-TCP to a Siemens S7 PLC. All payloads are
// big-endian on the wire.
type S7Adapter struct {
	base
	cfg S7Config

	busMu   sync.Mutex
	handler *gos7.TCPClientHandler
	client  gos7.Client
}

// NewS7 builds an S7 adapter
func NewS7(name string, cfg S7Config) (*S7Adapter, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("s7 connector %q: address is required", name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &S7Adapter{base: newBase(name, cfg.Backoff), cfg: cfg}, nil
}

// Connect opens the ISO-on-TCP session. Idempotent.
func (s *S7Adapter) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connectLocked(ctx)
}

func (s *S7Adapter) connectLocked(context.Context) error {
	if s.currentState() == StateConnected {
		return nil
	}
	s.setState(StateConnecting)

	h := gos7.NewTCPClientHandler(s.cfg.Address, s.cfg.Rack, s.cfg.Slot)
	h.Timeout = s.cfg.Timeout
	if err := h.Connect(); err != nil {
		s.setState(StateDisconnected)
		s.recordError(err)
		return errors.Wrapf(err, "s7 connect to %s (rack %d slot %d) failed", s.cfg.Address, s.cfg.Rack, s.cfg.Slot)
	}
	s.handler = h
	s.client = gos7.NewClient(h)

	s.setState(StateConnected)
	s.recordSuccess()
	log.Infof("connector %s: connected (s7 %s rack %d slot %d)", s.name, s.cfg.Address, s.cfg.Rack, s.cfg.Slot)
	return nil
}

// Disconnect closes the session
func (s *S7Adapter) Disconnect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.setState(StateStopped)
	if s.handler != nil {
		return s.handler.Close()
	}
	return nil
}

// Reconnect applies the shared backoff policy
func (s *S7Adapter) Reconnect(ctx context.Context) bool {
	return s.reconnect(ctx, func(ctx context.Context) error {
		if s.handler != nil {
			s.handler.Close() //nolint:errcheck
		}
		s.setState(StateDisconnected)
		return s.connectLocked(ctx)
	})
}

// ReadTags reads raw addresses; widths come from the address itself
func (s *S7Adapter) ReadTags(ctx context.Context, addresses []string) map[string]tag.Value {
	out := make(map[string]tag.Value, len(addresses))
	for _, addr := range addresses {
		parsed, err := address.ParseS7(addr)
		if err != nil {
			out[addr] = tag.NewBadValue(tag.QualityBadConfigError)
			continue
		}
		out[addr] = s.readOne(ctx, parsed, defaultS7Type(parsed))
	}
	return out
}

// ReadTagValues reads using each tag's declared datatype. DBD/MD payloads
// decode as float only when the consuming tag is float.
func (s *S7Adapter) ReadTagValues(ctx context.Context, tags []*tag.Tag) map[string]tag.Value {
	out := make(map[string]tag.Value, len(tags))
	for _, t := range tags {
		parsed, err := address.ParseS7(t.Address)
		if err != nil {
			out[t.Name] = tag.NewBadValue(tag.QualityBadConfigError)
			continue
		}
		out[t.Name] = s.readOne(ctx, parsed, t.DataType)
	}
	return out
}

// defaultS7Type picks the decode type implied by address width alone
func defaultS7Type(parsed address.S7Address) tag.DataType {
	switch parsed.Width {
	case address.WidthBit:
		return tag.TypeBool
	case address.WidthByte:
		return tag.TypeUInt16
	case address.WidthDWord:
		return tag.TypeUInt32
	default:
		return tag.TypeUInt16
	}
}

func (s *S7Adapter) readOne(_ context.Context, parsed address.S7Address, dt tag.DataType) tag.Value {
	if s.currentState() != StateConnected {
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}

	size := parsed.Width.ByteSize()
	if parsed.Width != address.WidthBit && dt.ByteSize() > size {
		// A wide tag on a narrow address is a configuration mistake
		return tag.NewBadValue(tag.QualityBadConfigError)
	}
	buf := make([]byte, size)

	s.busMu.Lock()
	err := s.readArea(parsed, buf)
	s.busMu.Unlock()
	if err != nil {
		s.recordError(err)
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}
	s.recordRead()

	if parsed.Width == address.WidthBit {
		return tag.NewValue(buf[0]&(1<<uint(parsed.Bit)) != 0, tag.QualityGood)
	}

	// Narrow DWords for non-float consumers keep their integer meaning
	decodeType := dt
	if parsed.Width == address.WidthDWord && !dt.IsFloat() && dt.ByteSize() != 4 {
		decodeType = tag.TypeUInt32
	}
	if parsed.Width == address.WidthWord && dt.ByteSize() != 2 {
		decodeType = tag.TypeUInt16
	}
	if parsed.Width == address.WidthByte {
		value := buf[0]
		if dt == tag.TypeBool {
			return tag.NewValue(value != 0, tag.QualityGood)
		}
		return tag.NewValue(uint16(value), tag.QualityGood)
	}

	value, err := decodeBigEndian(buf, decodeType)
	if err != nil {
		return tag.NewBadValue(tag.QualityBadConfigError)
	}
	return tag.NewValue(value, tag.QualityGood)
}

func (s *S7Adapter) readArea(parsed address.S7Address, buf []byte) error {
	switch parsed.Area {
	case address.AreaDB:
		return s.client.AGReadDB(parsed.DBNumber, parsed.Offset, len(buf), buf)
	case address.AreaMerker:
		return s.client.AGReadMB(parsed.Offset, len(buf), buf)
	case address.AreaInput:
		return s.client.AGReadEB(parsed.Offset, len(buf), buf)
	case address.AreaOutput:
		return s.client.AGReadAB(parsed.Offset, len(buf), buf)
	case address.AreaTimer:
		return s.client.AGReadTM(parsed.Offset, 1, buf)
	case address.AreaCounter:
		return s.client.AGReadCT(parsed.Offset, 1, buf)
	}
	return fmt.Errorf("unknown s7 area")
}

func (s *S7Adapter) writeArea(parsed address.S7Address, buf []byte) error {
	switch parsed.Area {
	case address.AreaDB:
		return s.client.AGWriteDB(parsed.DBNumber, parsed.Offset, len(buf), buf)
	case address.AreaMerker:
		return s.client.AGWriteMB(parsed.Offset, len(buf), buf)
	case address.AreaOutput:
		return s.client.AGWriteAB(parsed.Offset, len(buf), buf)
	case address.AreaInput, address.AreaTimer, address.AreaCounter:
		return fmt.Errorf("s7 area %s is read-only", parsed.Area)
	}
	return fmt.Errorf("unknown s7 area")
}

// WriteTag writes a raw address using the width implied by the address
func (s *S7Adapter) WriteTag(ctx context.Context, addr string, value interface{}) error {
	parsed, err := address.ParseS7(addr)
	if err != nil {
		return errors.Wrapf(err, "unparseable s7 address %q", addr)
	}
	fake := &tag.Tag{Name: addr, Address: addr, DataType: defaultS7Type(parsed)}
	if !s.WriteTagValue(ctx, fake, value) {
		return fmt.Errorf("s7 write to %s failed", addr)
	}
	return nil
}

// WriteTagValue writes using the tag's metadata
func (s *S7Adapter) WriteTagValue(_ context.Context, t *tag.Tag, value interface{}) bool {
	parsed, err := address.ParseS7(t.Address)
	if err != nil {
		log.Errorf("connector %s: unparseable write address %q: %v", s.name, t.Address, err)
		return false
	}
	if s.currentState() != StateConnected {
		return false
	}

	s.busMu.Lock()
	defer s.busMu.Unlock()

	if parsed.Width == address.WidthBit {
		return s.writeBit(parsed, value)
	}

	encodeType := t.DataType
	switch parsed.Width {
	case address.WidthByte:
		buf := make([]byte, 1)
		coerced, err := tag.TypeUInt16.Coerce(value)
		if err != nil {
			log.Errorf("connector %s: cannot coerce %v for byte write: %v", s.name, value, err)
			return false
		}
		buf[0] = byte(coerced.(uint16))
		return s.finishWrite(parsed, buf)
	case address.WidthWord:
		if encodeType.ByteSize() != 2 {
			encodeType = tag.TypeUInt16
		}
	case address.WidthDWord:
		if encodeType.ByteSize() != 4 {
			encodeType = tag.TypeUInt32
		}
	}

	buf, err := encodeBigEndian(value, encodeType)
	if err != nil {
		log.Errorf("connector %s: cannot encode %v as %s: %v", s.name, value, encodeType, err)
		return false
	}
	return s.finishWrite(parsed, buf)
}

// writeBit read-modify-writes one bit of the addressed byte
func (s *S7Adapter) writeBit(parsed address.S7Address, value interface{}) bool {
	coerced, err := tag.TypeBool.Coerce(value)
	if err != nil {
		log.Errorf("connector %s: cannot coerce %v for bit write: %v", s.name, value, err)
		return false
	}
	buf := make([]byte, 1)
	if err := s.readArea(parsed, buf); err != nil {
		s.recordError(err)
		return false
	}
	if coerced.(bool) {
		buf[0] |= 1 << uint(parsed.Bit)
	} else {
		buf[0] &^= 1 << uint(parsed.Bit)
	}
	return s.finishWrite(parsed, buf)
}

func (s *S7Adapter) finishWrite(parsed address.S7Address, buf []byte) bool {
	if err := s.writeArea(parsed, buf); err != nil {
		s.recordError(err)
		return false
	}
	s.recordWrite()
	return true
}
