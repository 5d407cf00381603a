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

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/address"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// ModbusConfig configures a Modbus adapter for TCP or RTU transport
type ModbusConfig struct {
	// Mode is "tcp" or "rtu"
	Mode string
	// Address is "host:port" for TCP, the serial device path for RTU
	Address string
	// RTU serial parameters
	BaudRate int
	DataBits int
	Parity   string // "N", "E", "O"
	StopBits int
	// UnitID is the default slave id; addresses may override with a
	// "unit:" prefix.
	UnitID  byte
	Timeout time.Duration
	Backoff BackoffConfig
}

type modbusHandler interface {
	Connect() error
	Close() error
}

// ModbusAdapter speaks Modbus TCP or RTU through one serialized handler
type ModbusAdapter struct {
	base
	cfg ModbusConfig

	// busMu serializes bus transactions; the unit id lives on the
	// handler, so per-request overrides must not interleave.
	busMu    sync.Mutex
	handler  modbusHandler
	client   modbus.Client
	setSlave func(id byte)
}

// NewModbus builds a Modbus adapter. The transport is not opened until
// Connect.
func NewModbus(name string, cfg ModbusConfig) (*ModbusAdapter, error) {
	if cfg.Mode != "tcp" && cfg.Mode != "rtu" {
		return nil, fmt.Errorf("modbus connector %q: mode must be tcp or rtu, got %q", name, cfg.Mode)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ModbusAdapter{base: newBase(name, cfg.Backoff), cfg: cfg}, nil
}

// Connect opens the transport. Idempotent.
func (m *ModbusAdapter) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connectLocked(ctx)
}

func (m *ModbusAdapter) connectLocked(context.Context) error {
	if m.currentState() == StateConnected {
		return nil
	}
	m.setState(StateConnecting)

	if m.cfg.Mode == "tcp" {
		h := modbus.NewTCPClientHandler(m.cfg.Address)
		h.Timeout = m.cfg.Timeout
		h.SlaveId = m.cfg.UnitID
		if err := h.Connect(); err != nil {
			m.setState(StateDisconnected)
			m.recordError(err)
			return errors.Wrapf(err, "modbus tcp connect to %s failed", m.cfg.Address)
		}
		m.handler = h
		m.setSlave = func(id byte) { h.SlaveId = id }
		m.client = modbus.NewClient(h)
	} else {
		h := modbus.NewRTUClientHandler(m.cfg.Address)
		h.Timeout = m.cfg.Timeout
		h.SlaveId = m.cfg.UnitID
		if m.cfg.BaudRate > 0 {
			h.BaudRate = m.cfg.BaudRate
		}
		if m.cfg.DataBits > 0 {
			h.DataBits = m.cfg.DataBits
		}
		if m.cfg.Parity != "" {
			h.Parity = m.cfg.Parity
		}
		if m.cfg.StopBits > 0 {
			h.StopBits = m.cfg.StopBits
		}
		if err := h.Connect(); err != nil {
			m.setState(StateDisconnected)
			m.recordError(err)
			return errors.Wrapf(err, "modbus rtu connect to %s failed", m.cfg.Address)
		}
		m.handler = h
		m.setSlave = func(id byte) { h.SlaveId = id }
		m.client = modbus.NewClient(h)
	}

	m.setState(StateConnected)
	m.recordSuccess()
	log.Infof("connector %s: connected (modbus %s %s)", m.name, m.cfg.Mode, m.cfg.Address)
	return nil
}

// Disconnect closes the transport
func (m *ModbusAdapter) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.setState(StateStopped)
	if m.handler != nil {
		return m.handler.Close()
	}
	return nil
}

// Reconnect applies the shared backoff policy
func (m *ModbusAdapter) Reconnect(ctx context.Context) bool {
	return m.reconnect(ctx, func(ctx context.Context) error {
		if m.handler != nil {
			m.handler.Close() //nolint:errcheck
		}
		m.setState(StateDisconnected)
		return m.connectLocked(ctx)
	})
}

// ReadTags reads raw addresses; registers decode as UINT16
func (m *ModbusAdapter) ReadTags(ctx context.Context, addresses []string) map[string]tag.Value {
	out := make(map[string]tag.Value, len(addresses))
	for _, addr := range addresses {
		out[addr] = m.readOne(ctx, addr, tag.TypeUInt16, tag.BigEndian, tag.WordBigEndian)
	}
	return out
}

// ReadTagValues reads using each tag's datatype and byte/word order
func (m *ModbusAdapter) ReadTagValues(ctx context.Context, tags []*tag.Tag) map[string]tag.Value {
	out := make(map[string]tag.Value, len(tags))
	for _, t := range tags {
		out[t.Name] = m.readOne(ctx, t.Address, t.DataType, t.ByteOrder, t.WordOrder)
	}
	return out
}

func (m *ModbusAdapter) readOne(_ context.Context, addr string, dt tag.DataType, bo tag.ByteOrder, wo tag.WordOrder) tag.Value {
	parsed, err := address.ParseModbus(addr)
	if err != nil {
		return tag.NewBadValue(tag.QualityBadConfigError)
	}
	if m.currentState() != StateConnected {
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}

	m.busMu.Lock()
	defer m.busMu.Unlock()
	m.applyUnit(parsed)
	defer m.restoreUnit()

	switch parsed.RegisterType {
	case address.Coil, address.DiscreteInput:
		var raw []byte
		if parsed.RegisterType == address.Coil {
			raw, err = m.client.ReadCoils(parsed.Address, 1)
		} else {
			raw, err = m.client.ReadDiscreteInputs(parsed.Address, 1)
		}
		if err != nil {
			m.recordError(err)
			return tag.NewBadValue(tag.QualityBadNoCommunication)
		}
		m.recordRead()
		return tag.NewValue(len(raw) > 0 && raw[0]&0x01 != 0, tag.QualityGood)
	}

	count := uint16(dt.RegisterCount())
	if parsed.Bit >= 0 {
		count = 1
	}
	var raw []byte
	if parsed.RegisterType == address.InputRegister {
		raw, err = m.client.ReadInputRegisters(parsed.Address, count)
	} else {
		raw, err = m.client.ReadHoldingRegisters(parsed.Address, count)
	}
	if err != nil {
		m.recordError(err)
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}
	m.recordRead()

	if parsed.Bit >= 0 {
		if len(raw) < 2 {
			return tag.NewBadValue(tag.QualityBadDeviceFailure)
		}
		word := uint16(raw[0])<<8 | uint16(raw[1])
		return tag.NewValue(word&(1<<uint(parsed.Bit)) != 0, tag.QualityGood)
	}

	value, err := decodeRegisters(raw, dt, bo, wo)
	if err != nil {
		return tag.NewBadValue(tag.QualityBadConfigError)
	}
	return tag.NewValue(value, tag.QualityGood)
}

// WriteTag writes a raw address, coercing numerics to UINT16
func (m *ModbusAdapter) WriteTag(ctx context.Context, addr string, value interface{}) error {
	fake := &tag.Tag{Name: addr, Address: addr, DataType: tag.TypeUInt16}
	if b, ok := value.(bool); ok {
		fake.DataType = tag.TypeBool
		value = b
	}
	if !m.WriteTagValue(ctx, fake, value) {
		return fmt.Errorf("modbus write to %s failed", addr)
	}
	return nil
}

// WriteTagValue writes using the tag's metadata
func (m *ModbusAdapter) WriteTagValue(_ context.Context, t *tag.Tag, value interface{}) bool {
	parsed, err := address.ParseModbus(t.Address)
	if err != nil {
		log.Errorf("connector %s: unparseable write address %q: %v", m.name, t.Address, err)
		return false
	}
	if !parsed.RegisterType.Writable() {
		log.Errorf("connector %s: register table %s is read-only (%s)", m.name, parsed.RegisterType, t.Address)
		return false
	}
	if m.currentState() != StateConnected {
		return false
	}

	m.busMu.Lock()
	defer m.busMu.Unlock()
	m.applyUnit(parsed)
	defer m.restoreUnit()

	if parsed.RegisterType == address.Coil {
		coerced, err := tag.TypeBool.Coerce(value)
		if err != nil {
			log.Errorf("connector %s: cannot coerce %v for coil write: %v", m.name, value, err)
			return false
		}
		var raw uint16
		if coerced.(bool) {
			raw = 0xFF00
		}
		if _, err := m.client.WriteSingleCoil(parsed.Address, raw); err != nil {
			m.recordError(err)
			return false
		}
		m.recordWrite()
		return true
	}

	if parsed.Bit >= 0 {
		return m.writeRegisterBit(parsed, value)
	}

	buf, err := encodeRegisters(value, t.DataType, t.ByteOrder, t.WordOrder)
	if err != nil {
		log.Errorf("connector %s: cannot encode %v as %s: %v", m.name, value, t.DataType, err)
		return false
	}
	if _, err := m.client.WriteMultipleRegisters(parsed.Address, uint16(len(buf)/2), buf); err != nil {
		m.recordError(err)
		return false
	}
	m.recordWrite()
	return true
}

// writeRegisterBit read-modify-writes a single bit of a holding register
func (m *ModbusAdapter) writeRegisterBit(parsed address.ModbusAddress, value interface{}) bool {
	coerced, err := tag.TypeBool.Coerce(value)
	if err != nil {
		log.Errorf("connector %s: cannot coerce %v for bit write: %v", m.name, value, err)
		return false
	}
	raw, err := m.client.ReadHoldingRegisters(parsed.Address, 1)
	if err != nil || len(raw) < 2 {
		m.recordError(fmt.Errorf("read-modify-write read failed: %v", err))
		return false
	}
	word := uint16(raw[0])<<8 | uint16(raw[1])
	if coerced.(bool) {
		word |= 1 << uint(parsed.Bit)
	} else {
		word &^= 1 << uint(parsed.Bit)
	}
	if _, err := m.client.WriteSingleRegister(parsed.Address, word); err != nil {
		m.recordError(err)
		return false
	}
	m.recordWrite()
	return true
}

func (m *ModbusAdapter) applyUnit(parsed address.ModbusAddress) {
	if parsed.UnitID >= 0 && m.setSlave != nil {
		m.setSlave(byte(parsed.UnitID))
	}
}

func (m *ModbusAdapter) restoreUnit() {
	if m.setSlave != nil {
		m.setSlave(m.cfg.UnitID)
	}
}
