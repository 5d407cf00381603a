// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package alarms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

func fptr(v float64) *float64 { return &v }

func goodValue(v interface{}) tag.Value {
	return tag.NewValue(v, tag.QualityGood)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count() int {
	return len(l.all())
}

func (l *eventLog) last() Event {
	evs := l.all()
	return evs[len(evs)-1]
}

func newTestDetector(t *testing.T) (*Detector, *persistence.MemoryAlarmRepository, *clock.Mock, *eventLog) {
	t.Helper()
	repo := persistence.NewMemoryAlarmRepository()
	mock := clock.NewMock()
	d := NewDetector(repo, WithClock(mock))
	lg := &eventLog{}
	d.Subscribe(lg.add)
	return d, repo, mock, lg
}

func TestAnalogLimitLifecycle(t *testing.T) {
	d, _, _, events := newTestDetector(t)
	d.AddAnalogMonitor(AnalogMonitor{
		Name:      "TempMon",
		SourceTag: "reactor.temp",
		Unit:      "degC",
		LimitH:    fptr(80),
		LimitHH:   fptr(90),
	})

	// rising through H then HH, then back down: each edge fires once
	for _, v := range []float64{50, 85, 95, 85, 50} {
		d.OnTagUpdate("reactor.temp", goodValue(v))
	}

	var kinds []string
	var ids []string
	for _, e := range events.all() {
		kinds = append(kinds, e.Kind)
		ids = append(ids, e.Record.ID)
	}
	assert.Equal(t, []string{"raised", "raised", "cleared", "cleared"}, kinds)
	assert.Equal(t, []string{"TempMon_H", "TempMon_HH", "TempMon_HH", "TempMon_H"}, ids)

	active, err := d.Active()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAnalogRepeatedExceedanceRaisesOnce(t *testing.T) {
	d, _, _, events := newTestDetector(t)
	d.AddAnalogMonitor(AnalogMonitor{Name: "M", SourceTag: "t", LimitH: fptr(10)})

	d.OnTagUpdate("t", goodValue(11.0))
	d.OnTagUpdate("t", goodValue(12.0))
	d.OnTagUpdate("t", goodValue(13.0))
	assert.Equal(t, 1, events.count())
	assert.Equal(t, "raised", events.all()[0].Kind)
}

func TestLowLimitsAndPriorities(t *testing.T) {
	d, _, _, _ := newTestDetector(t)
	d.AddAnalogMonitor(AnalogMonitor{
		Name:      "LevelMon",
		SourceTag: "tank.level",
		LimitL:    fptr(20),
		LimitLL:   fptr(10),
	})

	d.OnTagUpdate("tank.level", goodValue(5.0))
	active, err := d.Active()
	require.NoError(t, err)
	require.Len(t, active, 2)
	// LL is priority 1 and sorts first
	assert.Equal(t, "LevelMon_LL", active[0].ID)
	assert.Equal(t, 1, active[0].Priority)
	assert.Equal(t, "LevelMon_L", active[1].ID)
	assert.Equal(t, 2, active[1].Priority)
}

func TestLimitIsInclusive(t *testing.T) {
	d, _, _, events := newTestDetector(t)
	d.AddAnalogMonitor(AnalogMonitor{Name: "M", SourceTag: "t", LimitHH: fptr(90)})

	d.OnTagUpdate("t", goodValue(90.0))
	require.Equal(t, 1, events.count())
	assert.Equal(t, "M_HH", events.all()[0].Record.ID)
}

func TestBadQualityDoesNotToggle(t *testing.T) {
	d, _, _, events := newTestDetector(t)
	d.AddAnalogMonitor(AnalogMonitor{Name: "M", SourceTag: "t", LimitH: fptr(10)})

	d.OnTagUpdate("t", goodValue(15.0))
	require.Equal(t, 1, events.count())

	// losing the signal neither clears nor re-raises
	d.OnTagUpdate("t", tag.NewBadValue(tag.QualityBadNoCommunication))
	assert.Equal(t, 1, events.count())

	active, err := d.Active()
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestBinaryMonitor(t *testing.T) {
	d, _, _, events := newTestDetector(t)
	d.AddBinaryMonitor(BinaryMonitor{
		Name:       "PumpTrip",
		SourceTag:  "pump.trip",
		AlarmValue: true,
		Message:    "pump tripped",
	})

	d.OnTagUpdate("pump.trip", goodValue(false))
	assert.Equal(t, 0, events.count())

	d.OnTagUpdate("pump.trip", goodValue(true))
	require.Equal(t, 1, events.count())
	assert.Equal(t, "PumpTrip_ALM", events.all()[0].Record.ID)
	assert.Equal(t, "pump tripped", events.all()[0].Record.Message)

	d.OnTagUpdate("pump.trip", goodValue(false))
	require.Equal(t, 2, events.count())
	assert.Equal(t, "cleared", events.all()[1].Kind)
}

func TestAck(t *testing.T) {
	d, _, _, events := newTestDetector(t)
	d.AddAnalogMonitor(AnalogMonitor{Name: "M", SourceTag: "t", LimitH: fptr(10)})
	d.OnTagUpdate("t", goodValue(15.0))

	require.NoError(t, d.Ack("M_H", "op1"))
	require.Equal(t, 2, events.count())
	assert.Equal(t, "acked", events.all()[1].Kind)
	assert.Equal(t, "op1", events.all()[1].Record.AckedBy)

	assert.Error(t, d.Ack("nope", "op1"))

	// value returns to normal, alarm clears; cleared alarms cannot be acked
	d.OnTagUpdate("t", goodValue(5.0))
	assert.Error(t, d.Ack("M_H", "op1"))
}

func TestShelveAndSweep(t *testing.T) {
	d, repo, mock, events := newTestDetector(t)
	d.AddAnalogMonitor(AnalogMonitor{Name: "M", SourceTag: "t", LimitH: fptr(10)})
	d.OnTagUpdate("t", goodValue(15.0))

	assert.Error(t, d.Shelve("M_H", mock.Now().Add(-time.Hour)), "past shelve time")
	require.NoError(t, d.Shelve("M_H", mock.Now().Add(30*time.Second)))
	rec, found, err := repo.GetAlarm("M_H")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, persistence.AlarmShelved, rec.State)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	// condition still active when the shelve expires: back to ACTIVE
	mock.Add(60 * time.Second)
	assert.Eventually(t, func() bool {
		rec, _, err := repo.GetAlarm("M_H")
		return err == nil && rec.State == persistence.AlarmActive
	}, time.Second, 5*time.Millisecond)
	last := events.last()
	assert.Equal(t, "unshelved", last.Kind)

	// shelve again and let the condition go away before expiry
	require.NoError(t, d.Shelve("M_H", mock.Now().Add(30*time.Second)))
	d.OnTagUpdate("t", goodValue(5.0))
	mock.Add(60 * time.Second)
	assert.Eventually(t, func() bool {
		rec, _, err := repo.GetAlarm("M_H")
		return err == nil && rec.State == persistence.AlarmCleared
	}, time.Second, 5*time.Millisecond)
}
