// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package alarms evaluates analog and binary monitor limits against live
// tag values and manages the resulting alarm records through the
// ISA-18.2 lifecycle: raise, acknowledge, clear, shelve.
package alarms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// unshelveSweepInterval is how often shelved alarms are re-evaluated
const unshelveSweepInterval = 60 * time.Second

// Limit suffixes and priorities: HH and LL are priority 1, H and L
// priority 2.
type limitKind struct {
	suffix   string
	priority int
}

var (
	limitHH = limitKind{"HH", 1}
	limitH  = limitKind{"H", 2}
	limitL  = limitKind{"L", 2}
	limitLL = limitKind{"LL", 1}
)

// AnalogMonitor watches a numeric tag against up to four limits. Nil
// limits are not evaluated.
type AnalogMonitor struct {
	Name      string
	SourceTag string
	Unit      string
	LimitHH   *float64
	LimitH    *float64
	LimitL    *float64
	LimitLL   *float64
}

// BinaryMonitor raises an alarm while its boolean tag holds the alarm
// value.
type BinaryMonitor struct {
	Name       string
	SourceTag  string
	AlarmValue bool
	Priority   int
	Message    string
}

// Event is an alarm lifecycle notification
type Event struct {
	Kind   string // raised, cleared, acked, shelved, unshelved
	Record persistence.AlarmRecord
}

// Listener receives alarm events synchronously
type Listener func(Event)

// condition tracks the live truth of one alarm condition
type condition struct {
	id       string
	active   bool
	priority int
	message  func(v float64) string
	check    func(v float64) bool
}

// Detector is the alarm engine
type Detector struct {
	mu        sync.Mutex
	repo      persistence.AlarmRepository
	clock     clock.Clock
	bySource  map[string][]*condition
	binaries  map[string]*binaryState
	listeners []Listener
}

type binaryState struct {
	monitor BinaryMonitor
	cond    *condition
}

// Option configures a Detector
type Option func(*Detector)

// WithClock substitutes the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// NewDetector returns a detector writing records through the repository
func NewDetector(repo persistence.AlarmRepository, opts ...Option) *Detector {
	d := &Detector{
		repo:     repo,
		clock:    clock.New(),
		bySource: map[string][]*condition{},
		binaries: map[string]*binaryState{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribe registers a lifecycle listener
func (d *Detector) Subscribe(fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// AddAnalogMonitor indexes the monitor's configured limits by source tag
func (d *Detector) AddAnalogMonitor(m AnalogMonitor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	add := func(kind limitKind, check func(v float64) bool, verb string, limit float64) {
		c := &condition{
			id:       fmt.Sprintf("%s_%s", m.Name, kind.suffix),
			priority: kind.priority,
			check:    check,
			message: func(v float64) string {
				return fmt.Sprintf("%s %s limit %s: value %g %s limit %g", m.Name, kind.suffix, verb, v, m.Unit, limit)
			},
		}
		d.bySource[m.SourceTag] = append(d.bySource[m.SourceTag], c)
	}
	if m.LimitHH != nil {
		hh := *m.LimitHH
		add(limitHH, func(v float64) bool { return v >= hh }, "exceeded", hh)
	}
	if m.LimitH != nil {
		h := *m.LimitH
		add(limitH, func(v float64) bool { return v >= h }, "exceeded", h)
	}
	if m.LimitL != nil {
		l := *m.LimitL
		add(limitL, func(v float64) bool { return v <= l }, "undershot", l)
	}
	if m.LimitLL != nil {
		ll := *m.LimitLL
		add(limitLL, func(v float64) bool { return v <= ll }, "undershot", ll)
	}
}

// AddBinaryMonitor indexes a boolean monitor by source tag
func (d *Detector) AddBinaryMonitor(m BinaryMonitor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.Priority == 0 {
		m.Priority = 2
	}
	msg := m.Message
	if msg == "" {
		msg = fmt.Sprintf("%s alarm condition", m.Name)
	}
	c := &condition{
		id:       m.Name + "_ALM",
		priority: m.Priority,
		message:  func(float64) string { return msg },
	}
	d.binaries[m.SourceTag] = &binaryState{monitor: m, cond: c}
}

// OnTagUpdate evaluates every condition bound to the tag. Raises are
// edge-triggered: a condition that is already active raises nothing.
// A true-to-false edge auto-clears.
func (d *Detector) OnTagUpdate(name string, v tag.Value) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if bs, ok := d.binaries[name]; ok {
		d.evalBinaryLocked(name, bs, v)
	}
	conds := d.bySource[name]
	if len(conds) == 0 {
		return
	}
	if !v.Quality.IsGood() && !v.Quality.IsUncertain() {
		// bad quality neither raises nor clears limit alarms
		return
	}
	f, err := tag.ToFloat64(v.Value)
	if err != nil {
		return
	}
	for _, c := range conds {
		now := c.check(f)
		switch {
		case now && !c.active:
			c.active = true
			d.raiseLocked(c, name, c.message(f))
		case !now && c.active:
			c.active = false
			d.clearLocked(c.id)
		}
	}
}

func (d *Detector) evalBinaryLocked(name string, bs *binaryState, v tag.Value) {
	if !v.Quality.IsGood() {
		return
	}
	b, ok := v.Value.(bool)
	if !ok {
		return
	}
	now := b == bs.monitor.AlarmValue
	switch {
	case now && !bs.cond.active:
		bs.cond.active = true
		d.raiseLocked(bs.cond, name, bs.cond.message(0))
	case !now && bs.cond.active:
		bs.cond.active = false
		d.clearLocked(bs.cond.id)
	}
}

func (d *Detector) raiseLocked(c *condition, source, message string) {
	rec := persistence.AlarmRecord{
		ID:        c.id,
		SourceTag: source,
		Priority:  c.priority,
		Message:   message,
		State:     persistence.AlarmActive,
		RaisedAt:  d.clock.Now().UTC(),
	}
	if err := d.repo.UpsertAlarm(rec); err != nil {
		log.Errorf("alarm %s: persisting raise: %v", c.id, err)
	}
	d.notifyLocked(Event{Kind: "raised", Record: rec})
}

func (d *Detector) clearLocked(id string) {
	now := d.clock.Now().UTC()
	if err := d.repo.UpdateAlarmState(id, persistence.AlarmCleared, now, ""); err != nil {
		log.Errorf("alarm %s: persisting clear: %v", id, err)
		return
	}
	rec, found, err := d.repo.GetAlarm(id)
	if err != nil || !found {
		return
	}
	d.notifyLocked(Event{Kind: "cleared", Record: rec})
}

func (d *Detector) notifyLocked(e Event) {
	for _, fn := range d.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("alarm listener panic on %s: %v", e.Record.ID, r)
				}
			}()
			fn(e)
		}()
	}
}

// Ack acknowledges an active alarm. Cleared alarms cannot be
// acknowledged.
func (d *Detector) Ack(id, by string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, found, err := d.repo.GetAlarm(id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("alarm %s not found", id)
	}
	if rec.State == persistence.AlarmCleared {
		return errors.Errorf("alarm %s is already cleared", id)
	}
	if err := d.repo.UpdateAlarmState(id, persistence.AlarmAcked, d.clock.Now(), by); err != nil {
		return err
	}
	rec, _, _ = d.repo.GetAlarm(id)
	d.notifyLocked(Event{Kind: "acked", Record: rec})
	return nil
}

// Shelve suppresses an alarm until the given time
func (d *Detector) Shelve(id string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if until.Before(d.clock.Now()) {
		return errors.Errorf("alarm %s: shelve time is in the past", id)
	}
	if err := d.repo.ShelveAlarm(id, until); err != nil {
		return err
	}
	rec, _, _ := d.repo.GetAlarm(id)
	d.notifyLocked(Event{Kind: "shelved", Record: rec})
	return nil
}

// Clear force-clears an alarm regardless of its condition, for operator
// intervention on latched alarms.
func (d *Detector) Clear(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, found, err := d.repo.GetAlarm(id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("alarm %s not found", id)
	}
	if rec.State == persistence.AlarmCleared {
		return errors.Errorf("alarm %s is already cleared", id)
	}
	d.clearLocked(id)
	return nil
}

// Get returns one alarm record
func (d *Detector) Get(id string) (persistence.AlarmRecord, bool, error) {
	return d.repo.GetAlarm(id)
}

// Active returns the non-cleared alarm records, priority order
func (d *Detector) Active() ([]persistence.AlarmRecord, error) {
	return d.repo.ListAlarms(false)
}

// All returns every alarm record including cleared ones
func (d *Detector) All() ([]persistence.AlarmRecord, error) {
	return d.repo.ListAlarms(true)
}

// Start launches the unshelve sweep, which returns expired shelves to
// ACTIVE when their condition still holds and clears them otherwise.
func (d *Detector) Start(ctx context.Context) {
	go func() {
		ticker := d.clock.Ticker(unshelveSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweepShelved()
			}
		}
	}()
}

func (d *Detector) sweepShelved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	recs, err := d.repo.ListAlarms(false)
	if err != nil {
		log.Errorf("alarm sweep: listing alarms: %v", err)
		return
	}
	now := d.clock.Now()
	for _, rec := range recs {
		if rec.State != persistence.AlarmShelved || !rec.ShelvedUntil.Valid {
			continue
		}
		if rec.ShelvedUntil.Time.After(now) {
			continue
		}
		next := persistence.AlarmCleared
		kind := "cleared"
		if d.conditionActiveLocked(rec.ID) {
			next = persistence.AlarmActive
			kind = "unshelved"
		}
		if err := d.repo.UpdateAlarmState(rec.ID, next, now, ""); err != nil {
			log.Errorf("alarm %s: unshelving: %v", rec.ID, err)
			continue
		}
		updated, found, err := d.repo.GetAlarm(rec.ID)
		if err != nil || !found {
			continue
		}
		d.notifyLocked(Event{Kind: kind, Record: updated})
	}
}

func (d *Detector) conditionActiveLocked(id string) bool {
	for _, conds := range d.bySource {
		for _, c := range conds {
			if c.id == id {
				return c.active
			}
		}
	}
	for _, bs := range d.binaries {
		if bs.cond.id == id {
			return bs.cond.active
		}
	}
	return false
}
