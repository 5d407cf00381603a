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

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// OPCUAConfig configures an OPC UA client adapter
type OPCUAConfig struct {
	Endpoint string // opc.tcp://host:port
	// SecurityPolicy is one of None, Basic128Rsa15, Basic256,
	// Basic256Sha256. SecurityMode is None, Sign or SignAndEncrypt.
	SecurityPolicy string
	SecurityMode   string
	CertFile       string
	KeyFile        string
	Username       string
	Password       string
	Timeout        time.Duration
	Backoff        BackoffConfig
}

// OPCUAAdapter is a southbound OPC UA client. Each value's StatusCode
// maps onto the gateway quality model.
type OPCUAAdapter struct {
	base
	cfg OPCUAConfig

	busMu  sync.Mutex
	client *opcua.Client
}

// NewOPCUA builds an OPC UA client adapter
func NewOPCUA(name string, cfg OPCUAConfig) (*OPCUAAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("opcua connector %q: endpoint is required", name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &OPCUAAdapter{base: newBase(name, cfg.Backoff), cfg: cfg}, nil
}

func (o *OPCUAAdapter) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.RequestTimeout(o.cfg.Timeout),
	}
	policy := o.cfg.SecurityPolicy
	if policy == "" {
		policy = "None"
	}
	mode := o.cfg.SecurityMode
	if mode == "" {
		mode = "None"
	}
	opts = append(opts, opcua.SecurityPolicy(policy), opcua.SecurityModeString(mode))
	if o.cfg.CertFile != "" && o.cfg.KeyFile != "" {
		opts = append(opts, opcua.CertificateFile(o.cfg.CertFile), opcua.PrivateKeyFile(o.cfg.KeyFile))
	}
	if o.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(o.cfg.Username, o.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// Connect establishes the session. Idempotent.
func (o *OPCUAAdapter) Connect(ctx context.Context) error {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	return o.connectLocked(ctx)
}

func (o *OPCUAAdapter) connectLocked(ctx context.Context) error {
	if o.currentState() == StateConnected {
		return nil
	}
	o.setState(StateConnecting)

	client, err := opcua.NewClient(o.cfg.Endpoint, o.clientOptions()...)
	if err != nil {
		o.setState(StateDisconnected)
		o.recordError(err)
		return errors.Wrapf(err, "opcua client for %s failed", o.cfg.Endpoint)
	}
	if err := client.Connect(ctx); err != nil {
		o.setState(StateDisconnected)
		o.recordError(err)
		return errors.Wrapf(err, "opcua connect to %s failed", o.cfg.Endpoint)
	}
	o.client = client

	o.setState(StateConnected)
	o.recordSuccess()
	log.Infof("connector %s: connected (opcua %s, policy %s)", o.name, o.cfg.Endpoint, o.cfg.SecurityPolicy)
	return nil
}

// Disconnect closes the session
func (o *OPCUAAdapter) Disconnect() error {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	o.setState(StateStopped)
	if o.client != nil {
		return o.client.Close(context.Background())
	}
	return nil
}

// Reconnect applies the shared backoff policy
func (o *OPCUAAdapter) Reconnect(ctx context.Context) bool {
	return o.reconnect(ctx, func(ctx context.Context) error {
		if o.client != nil {
			o.client.Close(ctx) //nolint:errcheck
		}
		o.setState(StateDisconnected)
		return o.connectLocked(ctx)
	})
}

// ReadTags reads raw node ids
func (o *OPCUAAdapter) ReadTags(ctx context.Context, addresses []string) map[string]tag.Value {
	out := make(map[string]tag.Value, len(addresses))
	values := o.readBatch(ctx, addresses)
	for i, addr := range addresses {
		out[addr] = values[i]
	}
	return out
}

// ReadTagValues reads a batch of tags in one service call
func (o *OPCUAAdapter) ReadTagValues(ctx context.Context, tags []*tag.Tag) map[string]tag.Value {
	addresses := make([]string, len(tags))
	for i, t := range tags {
		addresses[i] = t.Address
	}
	values := o.readBatch(ctx, addresses)
	out := make(map[string]tag.Value, len(tags))
	for i, t := range tags {
		out[t.Name] = values[i]
	}
	return out
}

// readBatch performs one Read service call for all node ids, mapping
// per-value StatusCodes onto qualities.
func (o *OPCUAAdapter) readBatch(ctx context.Context, addresses []string) []tag.Value {
	out := make([]tag.Value, len(addresses))

	ids := make([]*ua.ReadValueID, 0, len(addresses))
	idx := make([]int, 0, len(addresses))
	for i, addr := range addresses {
		node, err := ua.ParseNodeID(addr)
		if err != nil {
			out[i] = tag.NewBadValue(tag.QualityBadConfigError)
			continue
		}
		ids = append(ids, &ua.ReadValueID{NodeID: node})
		idx = append(idx, i)
	}
	if len(ids) == 0 {
		return out
	}
	if o.currentState() != StateConnected {
		for _, i := range idx {
			out[i] = tag.NewBadValue(tag.QualityBadNoCommunication)
		}
		return out
	}

	req := &ua.ReadRequest{
		NodesToRead:        ids,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	o.busMu.Lock()
	resp, err := o.client.Read(ctx, req)
	o.busMu.Unlock()
	if err != nil || resp == nil || len(resp.Results) != len(ids) {
		if err == nil {
			err = fmt.Errorf("read returned %d results for %d nodes", len(resp.Results), len(ids))
		}
		o.recordError(err)
		for _, i := range idx {
			out[i] = tag.NewBadValue(tag.QualityBadNoCommunication)
		}
		return out
	}
	o.recordRead()

	for n, result := range resp.Results {
		i := idx[n]
		quality := tag.QualityFromStatusCode(uint32(result.Status))
		if result.Value == nil {
			if quality.IsGood() {
				quality = tag.QualityBad
			}
			out[i] = tag.NewBadValue(quality)
			continue
		}
		v := tag.NewValue(result.Value.Value(), quality)
		v.SourceTimestamp = result.SourceTimestamp
		out[i] = v
	}
	return out
}

// WriteTag writes a raw node id
func (o *OPCUAAdapter) WriteTag(ctx context.Context, addr string, value interface{}) error {
	node, err := ua.ParseNodeID(addr)
	if err != nil {
		return errors.Wrapf(err, "unparseable node id %q", addr)
	}
	variant, err := ua.NewVariant(value)
	if err != nil {
		return errors.Wrapf(err, "cannot build variant from %v", value)
	}
	if o.currentState() != StateConnected {
		return fmt.Errorf("connector %s is not connected", o.name)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      node,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	}
	o.busMu.Lock()
	resp, err := o.client.Write(ctx, req)
	o.busMu.Unlock()
	if err != nil {
		o.recordError(err)
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		err := fmt.Errorf("write to %s rejected: %s", addr, resp.Results[0])
		o.recordError(err)
		return err
	}
	o.recordWrite()
	return nil
}

// WriteTagValue writes using the tag's metadata, coercing first so type
// mismatches are caught before the wire.
func (o *OPCUAAdapter) WriteTagValue(ctx context.Context, t *tag.Tag, value interface{}) bool {
	coerced, err := t.DataType.Coerce(value)
	if err != nil {
		log.Errorf("connector %s: cannot coerce %v to %s: %v", o.name, value, t.DataType, err)
		return false
	}
	if err := o.WriteTag(ctx, t.Address, coerced); err != nil {
		log.Warnf("connector %s: write to %s failed: %v", o.name, t.Address, err)
		return false
	}
	return true
}
