// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package connector implements the southbound protocol adapters. Every
// adapter shares one contract: errors never escape the public methods,
// they are translated into quality-bearing samples or boolean write
// results, and the adapter recovers on its own through reconnect backoff.
package connector

import (
	"context"
	"time"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// State is the connection state of an adapter
type State int

// Connector states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
	StateStopped
)

var stateNames = map[State]string{
	StateDisconnected: "DISCONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateReconnecting: "RECONNECTING",
	StateError:        "ERROR",
	StateStopped:      "STOPPED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "DISCONNECTED"
}

// Health is a snapshot of an adapter's condition
type Health struct {
	State             State     `json:"state"`
	LastSuccess       time.Time `json:"last_success"`
	LastError         time.Time `json:"last_error"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	TotalReads        uint64    `json:"total_reads"`
	TotalWrites       uint64    `json:"total_writes"`
	TotalErrors       uint64    `json:"total_errors"`
}

// Healthy reports whether the connector is connected with no outstanding
// errors.
func (h Health) Healthy() bool {
	return h.State == StateConnected && h.ConsecutiveErrors == 0
}

// Connector is the contract every southbound adapter implements
type Connector interface {
	// Name returns the configured connector name
	Name() string
	// Connect is idempotent; connecting an already-connected adapter is
	// a no-op.
	Connect(ctx context.Context) error
	// Disconnect closes the transport gracefully
	Disconnect() error
	// ReadTags reads raw addresses without datatype metadata. Values
	// decode with default width; addresses that fail to parse yield
	// BAD_CONFIG_ERROR, transport failures yield BAD_NO_COMMUNICATION.
	ReadTags(ctx context.Context, addresses []string) map[string]tag.Value
	// ReadTagValues is the preferred batch read: tag definitions carry
	// the datatype, byte order and scaling metadata needed to decode.
	// The result is keyed by tag name.
	ReadTagValues(ctx context.Context, tags []*tag.Tag) map[string]tag.Value
	// WriteTag writes a raw address
	WriteTag(ctx context.Context, address string, value interface{}) error
	// WriteTagValue writes using the tag's datatype metadata, reporting
	// success as a boolean per the adapter contract.
	WriteTagValue(ctx context.Context, t *tag.Tag, value interface{}) bool
	// Reconnect applies backoff and re-establishes the transport. It
	// returns false once the retry ceiling is reached, leaving the
	// adapter in ERROR.
	Reconnect(ctx context.Context) bool
	// Health returns a snapshot of the adapter's condition
	Health() Health
}
