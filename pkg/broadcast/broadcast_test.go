// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/tag"
)

type sinkLog struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (s *sinkLog) add(e Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, e)
}

func (s *sinkLog) all() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envelopes...)
}

func (s *sinkLog) count() int {
	return len(s.all())
}

func TestBurstCoalescesToOneEnvelope(t *testing.T) {
	mock := clock.NewMock()
	b := NewBroadcaster(WithClock(mock))
	sink := &sinkLog{}
	b.Subscribe(sink.add)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	// 50 rapid-fire updates to the same tag inside one window
	for i := 0; i < 50; i++ {
		b.PublishTag("reactor.temp", tag.NewValue(float64(i), tag.QualityGood))
	}
	b.PublishTag("tank.level", tag.NewValue(7.0, tag.QualityGood))
	assert.Equal(t, 2, b.Pending())

	mock.Add(defaultMinInterval)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	env := sink.all()[0]
	assert.Equal(t, ChannelTags, env.Channel)
	updates, ok := env.Payload.([]TagUpdate)
	require.True(t, ok)
	require.Len(t, updates, 2)
	// only the last value of the burst survives, arrival order kept
	assert.Equal(t, "reactor.temp", updates[0].Name)
	assert.Equal(t, 49.0, updates[0].Value)
	assert.Equal(t, "tank.level", updates[1].Name)

	// nothing pending, the next tick sends nothing
	mock.Add(defaultMinInterval)
	assert.Equal(t, 1, sink.count())
}

func TestServiceAndAlarmBypassCoalescing(t *testing.T) {
	b := NewBroadcaster()
	sink := &sinkLog{}
	b.Subscribe(sink.add)

	b.PublishService(map[string]interface{}{"service": "dose", "state": "EXECUTE"})
	b.PublishAlarm(map[string]interface{}{"id": "TempMon_HH"})

	envs := sink.all()
	require.Len(t, envs, 2)
	assert.Equal(t, ChannelServices, envs[0].Channel)
	assert.Equal(t, ChannelAlarms, envs[1].Channel)
}

func TestSinkPanicIsolated(t *testing.T) {
	b := NewBroadcaster()
	b.Subscribe(func(Envelope) { panic("boom") })
	sink := &sinkLog{}
	b.Subscribe(sink.add)

	b.PublishAlarm("x")
	assert.Equal(t, 1, sink.count())
}

func TestFlushOnShutdown(t *testing.T) {
	mock := clock.NewMock()
	b := NewBroadcaster(WithClock(mock))
	sink := &sinkLog{}
	b.Subscribe(sink.add)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	b.PublishTag("a", tag.NewValue(1.0, tag.QualityGood))
	cancel()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}
