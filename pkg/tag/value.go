// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package tag

import (
	"reflect"
	"time"
)

// Value is one immutable sample: a value, the time it was observed by the
// gateway, its quality, and optionally the timestamp reported by the
// device itself.
type Value struct {
	Value           interface{} `json:"value"`
	Timestamp       time.Time   `json:"timestamp"`
	Quality         Quality     `json:"quality"`
	SourceTimestamp time.Time   `json:"source_timestamp,omitempty"`
}

// NewValue builds a sample stamped with the current time
func NewValue(value interface{}, quality Quality) Value {
	return Value{
		Value:     value,
		Timestamp: time.Now().UTC(),
		Quality:   quality,
	}
}

// NewBadValue builds a valueless sample with the given bad quality
func NewBadValue(quality Quality) Value {
	return Value{
		Timestamp: time.Now().UTC(),
		Quality:   quality,
	}
}

// Equal reports whether two samples carry the same value and quality.
// Timestamps are ignored: subscribers are notified on value change, not
// on every poll.
func (v Value) Equal(other Value) bool {
	return v.Quality == other.Quality && reflect.DeepEqual(v.Value, other.Value)
}

// Degraded returns a copy of a previously good sample carrying forward
// its value with UNCERTAIN_NO_COMM_LAST_USABLE quality.
func (v Value) Degraded() Value {
	return Value{
		Value:           v.Value,
		Timestamp:       time.Now().UTC(),
		Quality:         QualityUncertainNoCommLastUsable,
		SourceTimestamp: v.SourceTimestamp,
	}
}
