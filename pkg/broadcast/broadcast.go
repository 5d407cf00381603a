// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package broadcast fans live updates out to the northbound push
// surfaces. Tag updates coalesce per tag so a bursting PLC cannot flood
// websocket clients; service transitions and alarm events bypass
// coalescing and go out immediately.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// defaultMinInterval is the floor between consecutive tag envelopes
const defaultMinInterval = 100 * time.Millisecond

// Channel names
const (
	ChannelTags     = "tags"
	ChannelServices = "services"
	ChannelAlarms   = "alarms"
)

// TagUpdate is one coalesced tag sample
type TagUpdate struct {
	Name        string      `json:"name"`
	Value       interface{} `json:"value"`
	Quality     string      `json:"quality"`
	QualityCode uint32      `json:"quality_code"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Envelope is one outbound push message
type Envelope struct {
	Channel   string      `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Sink receives envelopes. Sinks run synchronously on the flush
// goroutine; a panicking sink is recovered and logged.
type Sink func(Envelope)

// Broadcaster coalesces and dispatches updates
type Broadcaster struct {
	mu          sync.Mutex
	pending     map[string]TagUpdate
	order       []string
	sinks       []Sink
	clock       clock.Clock
	minInterval time.Duration
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithClock substitutes the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(b *Broadcaster) { b.clock = c }
}

// WithMinInterval overrides the coalescing window
func WithMinInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.minInterval = d
		}
	}
}

// NewBroadcaster returns an idle broadcaster
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		pending:     map[string]TagUpdate{},
		clock:       clock.New(),
		minInterval: defaultMinInterval,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a sink
func (b *Broadcaster) Subscribe(fn Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, fn)
}

// PublishTag queues a tag update. Within one coalescing window only the
// latest value per tag survives.
func (b *Broadcaster) PublishTag(name string, v tag.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[name]; !ok {
		b.order = append(b.order, name)
	}
	b.pending[name] = TagUpdate{
		Name:        name,
		Value:       v.Value,
		Quality:     v.Quality.String(),
		QualityCode: v.Quality.StatusCode(),
		Timestamp:   v.Timestamp,
	}
}

// PublishService dispatches a service event immediately
func (b *Broadcaster) PublishService(payload interface{}) {
	b.dispatch(Envelope{Channel: ChannelServices, Timestamp: b.clock.Now().UTC(), Payload: payload})
}

// PublishAlarm dispatches an alarm event immediately
func (b *Broadcaster) PublishAlarm(payload interface{}) {
	b.dispatch(Envelope{Channel: ChannelAlarms, Timestamp: b.clock.Now().UTC(), Payload: payload})
}

// FlushTags sends the pending tag updates, if any, in arrival order
func (b *Broadcaster) FlushTags() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	updates := make([]TagUpdate, 0, len(b.order))
	for _, name := range b.order {
		updates = append(updates, b.pending[name])
	}
	b.pending = map[string]TagUpdate{}
	b.order = nil
	b.mu.Unlock()

	b.dispatch(Envelope{Channel: ChannelTags, Timestamp: b.clock.Now().UTC(), Payload: updates})
}

// Pending returns the number of coalesced tag updates waiting to flush
func (b *Broadcaster) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broadcaster) dispatch(e Envelope) {
	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()
	for _, fn := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("broadcast sink panic on channel %s: %v", e.Channel, r)
				}
			}()
			fn(e)
		}()
	}
}

// Start launches the coalescing flush loop
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		ticker := b.clock.Ticker(b.minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.FlushTags()
				return
			case <-ticker.C:
				b.FlushTags()
			}
		}
	}()
}
