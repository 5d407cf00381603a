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

	"github.com/danomagnum/gologix"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/address"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// EIPConfig configures an Allen-Bradley EtherNet/IP adapter
type EIPConfig struct {
	Address string // controller IP, optionally "ip:port"
	// MaxBatchSize caps how many tags go into one read cycle before the
	// adapter starts a fresh request.
	MaxBatchSize int
	Timeout      time.Duration
	Backoff      BackoffConfig
}

// EIPAdapter reads and writes symbolic tags over CIP
type EIPAdapter struct {
	base
	cfg EIPConfig

	busMu  sync.Mutex
	client *gologix.Client
}

// NewEIP builds an EtherNet/IP adapter
func NewEIP(name string, cfg EIPConfig) (*EIPAdapter, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("eip connector %q: address is required", name)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &EIPAdapter{base: newBase(name, cfg.Backoff), cfg: cfg}, nil
}

// Connect opens the CIP session. Idempotent.
func (e *EIPAdapter) Connect(ctx context.Context) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.connectLocked(ctx)
}

func (e *EIPAdapter) connectLocked(context.Context) error {
	if e.currentState() == StateConnected {
		return nil
	}
	e.setState(StateConnecting)

	client := gologix.NewClient(e.cfg.Address)
	client.SocketTimeout = e.cfg.Timeout
	if err := client.Connect(); err != nil {
		e.setState(StateDisconnected)
		e.recordError(err)
		return errors.Wrapf(err, "eip connect to %s failed", e.cfg.Address)
	}
	e.client = client

	e.setState(StateConnected)
	e.recordSuccess()
	log.Infof("connector %s: connected (eip %s)", e.name, e.cfg.Address)
	return nil
}

// Disconnect closes the session
func (e *EIPAdapter) Disconnect() error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.setState(StateStopped)
	if e.client != nil {
		return e.client.Disconnect()
	}
	return nil
}

// Reconnect applies the shared backoff policy
func (e *EIPAdapter) Reconnect(ctx context.Context) bool {
	return e.reconnect(ctx, func(ctx context.Context) error {
		if e.client != nil {
			e.client.Disconnect() //nolint:errcheck
		}
		e.setState(StateDisconnected)
		return e.connectLocked(ctx)
	})
}

// ReadTags reads raw symbolic paths as FLOAT64
func (e *EIPAdapter) ReadTags(ctx context.Context, addresses []string) map[string]tag.Value {
	out := make(map[string]tag.Value, len(addresses))
	for _, addr := range addresses {
		out[addr] = e.readOne(ctx, addr, tag.TypeFloat64)
	}
	return out
}

// ReadTagValues reads a batch of tags. One cycle covers up to
// MaxBatchSize tags; errors split per tag, so one faulted symbol never
// poisons the rest of the batch.
func (e *EIPAdapter) ReadTagValues(ctx context.Context, tags []*tag.Tag) map[string]tag.Value {
	out := make(map[string]tag.Value, len(tags))
	for start := 0; start < len(tags); start += e.cfg.MaxBatchSize {
		end := start + e.cfg.MaxBatchSize
		if end > len(tags) {
			end = len(tags)
		}
		for _, t := range tags[start:end] {
			out[t.Name] = e.readOne(ctx, t.Address, t.DataType)
		}
	}
	return out
}

func (e *EIPAdapter) readOne(_ context.Context, addr string, dt tag.DataType) tag.Value {
	parsed, err := address.ParseEIP(addr)
	if err != nil {
		return tag.NewBadValue(tag.QualityBadConfigError)
	}
	if e.currentState() != StateConnected {
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}

	symbol := parsed.String()
	if parsed.Bit >= 0 {
		// Bit access reads the host word and extracts the bit
		symbol = address.EIPAddress{Program: parsed.Program, Segments: parsed.Segments, Bit: -1}.String()
	}

	e.busMu.Lock()
	value, err := e.readSymbol(symbol, parsed.Bit >= 0, dt)
	e.busMu.Unlock()
	if err != nil {
		e.recordError(err)
		return tag.NewBadValue(tag.QualityBadNoCommunication)
	}
	e.recordRead()

	if parsed.Bit >= 0 {
		word, err := tag.ToFloat64(value)
		if err != nil {
			return tag.NewBadValue(tag.QualityBadConfigError)
		}
		return tag.NewValue(int64(word)&(1<<uint(parsed.Bit)) != 0, tag.QualityGood)
	}
	return tag.NewValue(value, tag.QualityGood)
}

// readSymbol reads one symbol into a destination typed from the tag's
// declared datatype.
func (e *EIPAdapter) readSymbol(symbol string, bitHost bool, dt tag.DataType) (interface{}, error) {
	if bitHost {
		var v int32
		err := e.client.Read(symbol, &v)
		return v, err
	}
	switch dt {
	case tag.TypeBool:
		var v bool
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeInt16:
		var v int16
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeInt32:
		var v int32
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeInt64:
		var v int64
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeUInt16:
		var v uint16
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeUInt32:
		var v uint32
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeUInt64:
		var v uint64
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeFloat32:
		var v float32
		err := e.client.Read(symbol, &v)
		return v, err
	case tag.TypeString:
		var v string
		err := e.client.Read(symbol, &v)
		return v, err
	default:
		var v float64
		err := e.client.Read(symbol, &v)
		return v, err
	}
}

// WriteTag writes a raw symbolic path
func (e *EIPAdapter) WriteTag(ctx context.Context, addr string, value interface{}) error {
	fake := &tag.Tag{Name: addr, Address: addr, DataType: inferType(value)}
	if !e.WriteTagValue(ctx, fake, value) {
		return fmt.Errorf("eip write to %s failed", addr)
	}
	return nil
}

func inferType(value interface{}) tag.DataType {
	switch value.(type) {
	case bool:
		return tag.TypeBool
	case string:
		return tag.TypeString
	case float32, float64:
		return tag.TypeFloat32
	default:
		return tag.TypeInt32
	}
}

// WriteTagValue writes using the tag's metadata
func (e *EIPAdapter) WriteTagValue(_ context.Context, t *tag.Tag, value interface{}) bool {
	parsed, err := address.ParseEIP(t.Address)
	if err != nil {
		log.Errorf("connector %s: unparseable write address %q: %v", e.name, t.Address, err)
		return false
	}
	if parsed.Bit >= 0 {
		log.Errorf("connector %s: bit-level CIP writes are not supported (%s)", e.name, t.Address)
		return false
	}
	if e.currentState() != StateConnected {
		return false
	}

	coerced, err := t.DataType.Coerce(value)
	if err != nil {
		log.Errorf("connector %s: cannot coerce %v to %s: %v", e.name, value, t.DataType, err)
		return false
	}

	e.busMu.Lock()
	err = e.client.Write(parsed.String(), coerced)
	e.busMu.Unlock()
	if err != nil {
		e.recordError(err)
		return false
	}
	e.recordWrite()
	return true
}
