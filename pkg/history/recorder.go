// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package history buffers tag samples and flushes them to the store in
// batches. A failed flush re-queues the batch at the front so order is
// preserved across transient database errors.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

const (
	// flushInterval is the cadence of the background flush
	flushInterval = time.Second
	// forceFlushAt triggers an immediate flush when the buffer reaches
	// this many samples
	forceFlushAt = 100
	// maxBuffered caps the buffer; beyond it the oldest samples drop
	maxBuffered = 10000
)

// SampleStore is the subset of the persistence store the recorder needs
type SampleStore interface {
	InsertSamples(samples []persistence.HistorySample) error
}

// Recorder subscribes to tag updates and historizes them
type Recorder struct {
	mu      sync.Mutex
	store   SampleStore
	clock   clock.Clock
	buffer  []persistence.HistorySample
	include map[string]struct{}
	exclude map[string]struct{}
	dropped uint64
}

// Option configures a Recorder
type Option func(*Recorder)

// WithClock substitutes the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithInclude restricts recording to the named tags. Empty means all.
func WithInclude(tags []string) Option {
	return func(r *Recorder) {
		if len(tags) == 0 {
			return
		}
		r.include = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			r.include[t] = struct{}{}
		}
	}
}

// WithExclude drops the named tags from recording
func WithExclude(tags []string) Option {
	return func(r *Recorder) {
		for _, t := range tags {
			r.exclude[t] = struct{}{}
		}
	}
}

// NewRecorder returns a recorder writing to the store
func NewRecorder(store SampleStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:   store,
		clock:   clock.New(),
		exclude: map[string]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record buffers one sample. Call it from a tag manager subscription.
// Reaching the force-flush threshold flushes synchronously.
func (r *Recorder) Record(name string, v tag.Value) {
	if _, skip := r.exclude[name]; skip {
		return
	}
	if r.include != nil {
		if _, ok := r.include[name]; !ok {
			return
		}
	}
	r.mu.Lock()
	if len(r.buffer) >= maxBuffered {
		r.buffer = r.buffer[1:]
		r.dropped++
	}
	r.buffer = append(r.buffer, persistence.NewHistorySample(name, v))
	full := len(r.buffer) >= forceFlushAt
	r.mu.Unlock()
	if full {
		r.Flush()
	}
}

// Flush writes the buffered samples. On failure the batch goes back to
// the front of the buffer.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	if err := r.store.InsertSamples(batch); err != nil {
		log.Warnf("history flush of %d samples failed, re-queueing: %v", len(batch), err)
		r.mu.Lock()
		r.buffer = append(batch, r.buffer...)
		if len(r.buffer) > maxBuffered {
			r.dropped += uint64(len(r.buffer) - maxBuffered)
			r.buffer = r.buffer[len(r.buffer)-maxBuffered:]
		}
		r.mu.Unlock()
	}
}

// Buffered returns the number of samples waiting to be flushed
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Dropped returns the number of samples lost to buffer overflow
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start launches the periodic flush loop; it drains once more on
// shutdown.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		ticker := r.clock.Ticker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.Flush()
				return
			case <-ticker.C:
				r.Flush()
			}
		}
	}()
}
