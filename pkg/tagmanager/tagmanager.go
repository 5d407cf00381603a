// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package tagmanager owns the live tag table. It runs one poll loop per
// connector, keeps the latest sample and last-good value for every tag,
// applies scaling in both directions and gates the write path behind the
// safety controller.
package tagmanager

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/connector"
	"github.com/DataDog/mtp-gateway/pkg/safety"
	"github.com/DataDog/mtp-gateway/pkg/status/health"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// Subscriber receives tag updates. Subscribers run synchronously on the
// poll goroutine; a panicking subscriber is recovered and logged so one
// bad observer cannot stall polling.
type Subscriber func(name string, v tag.Value)

// pollGroup is one connector with its tags and polling cadence
type pollGroup struct {
	conn     connector.Connector
	interval time.Duration
	tags     []*tag.Tag
}

// Manager is the central tag table
type Manager struct {
	mu     sync.RWMutex
	tags   map[string]*tag.Tag
	states map[string]*tag.State
	conns  map[string]connector.Connector
	groups []*pollGroup

	subMu       sync.RWMutex
	subscribers []Subscriber

	safety *safety.Controller
	clock  clock.Clock

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Manager
type Option func(*Manager)

// WithClock substitutes the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSafety installs the write safety controller. Without one every
// write to a writable tag is allowed.
func WithSafety(s *safety.Controller) Option {
	return func(m *Manager) { m.safety = s }
}

// NewManager returns an empty manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tags:   map[string]*tag.Tag{},
		states: map[string]*tag.State{},
		conns:  map[string]connector.Connector{},
		clock:  clock.New(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddConnector registers a connector with its tags and poll interval.
// Must be called before Start; duplicate tag names are rejected.
func (m *Manager) AddConnector(conn connector.Connector, interval time.Duration, tags []*tag.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("tag manager already started")
	}
	if _, ok := m.conns[conn.Name()]; ok {
		return errors.Errorf("connector %q already registered", conn.Name())
	}
	for _, t := range tags {
		if _, ok := m.tags[t.Name]; ok {
			return errors.Errorf("duplicate tag name %q", t.Name)
		}
	}
	m.conns[conn.Name()] = conn
	for _, t := range tags {
		m.tags[t.Name] = t
		m.states[t.Name] = tag.NewState()
	}
	if interval <= 0 {
		interval = time.Second
	}
	m.groups = append(m.groups, &pollGroup{conn: conn, interval: interval, tags: tags})
	return nil
}

// Subscribe registers an observer for tag updates
func (m *Manager) Subscribe(fn Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start connects every connector and launches the poll loops. Connectors
// that fail to connect still get a poll loop; the loop drives reconnect.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("tag manager already started")
	}
	m.started = true
	groups := m.groups
	m.mu.Unlock()

	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, g := range groups {
		if err := g.conn.Connect(pollCtx); err != nil {
			log.Warnf("connector %s: initial connect failed: %v", g.conn.Name(), err)
		}
		m.wg.Add(1)
		go m.pollLoop(pollCtx, g)
	}
	return nil
}

// Stop halts polling and disconnects every connector
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	for _, c := range m.conns {
		if err := c.Disconnect(); err != nil {
			log.Warnf("connector %s: disconnect: %v", c.Name(), err)
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context, g *pollGroup) {
	defer m.wg.Done()

	healthToken := health.Register("tagmanager-" + g.conn.Name())
	defer func() {
		if err := health.Deregister(healthToken); err != nil {
			log.Debugf("connector %s: health deregister: %v", g.conn.Name(), err)
		}
	}()

	ticker := m.clock.Ticker(g.interval)
	defer ticker.Stop()

	m.pollOnce(ctx, g)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := health.Ping(healthToken); err != nil {
				log.Debugf("connector %s: health ping: %v", g.conn.Name(), err)
			}
			m.pollOnce(ctx, g)
		}
	}
}

// pollOnce reads the whole group and folds the samples into the table.
// When the connector is unhealthy it drives reconnection instead of
// reading, degrading every tag in the group meanwhile.
func (m *Manager) pollOnce(ctx context.Context, g *pollGroup) {
	if len(g.tags) == 0 {
		return
	}
	h := g.conn.Health()
	if h.State != connector.StateConnected {
		m.degradeGroup(g)
		if h.State != connector.StateError {
			g.conn.Reconnect(ctx)
		}
		return
	}

	values := g.conn.ReadTagValues(ctx, g.tags)
	for _, t := range g.tags {
		v, ok := values[t.Name]
		if !ok {
			continue
		}
		if v.Quality.IsGood() {
			v.Value = t.Scaled(v.Value)
		}
		m.applyUpdate(t.Name, v)
	}
}

// degradeGroup downgrades every tag in the group when its connector is
// unreachable. Tags with a last-good value go UNCERTAIN, others BAD.
func (m *Manager) degradeGroup(g *pollGroup) {
	for _, t := range g.tags {
		m.mu.RLock()
		st := m.states[t.Name]
		m.mu.RUnlock()
		if st == nil {
			continue
		}
		if v, changed := st.Degrade(); changed {
			m.notify(t.Name, v)
		}
	}
}

func (m *Manager) applyUpdate(name string, v tag.Value) {
	m.mu.RLock()
	st := m.states[name]
	m.mu.RUnlock()
	if st == nil {
		return
	}
	if st.Update(v) {
		m.notify(name, v)
	}
}

func (m *Manager) notify(name string, v tag.Value) {
	m.subMu.RLock()
	subs := m.subscribers
	m.subMu.RUnlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("tag subscriber panic on %s: %v", name, r)
				}
			}()
			fn(name, v)
		}()
	}
}

// Get returns the tag definition
func (m *Manager) Get(name string) (*tag.Tag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[name]
	return t, ok
}

// Tags returns every tag definition
func (m *Manager) Tags() []*tag.Tag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*tag.Tag, 0, len(m.tags))
	for _, t := range m.tags {
		out = append(out, t)
	}
	return out
}

// Read returns the cached sample for a tag
func (m *Manager) Read(name string) (tag.Value, error) {
	m.mu.RLock()
	st := m.states[name]
	m.mu.RUnlock()
	if st == nil {
		return tag.Value{}, errors.Errorf("unknown tag %q", name)
	}
	return st.Current(), nil
}

// ReadDirect bypasses the cache and reads the tag from the device,
// folding the fresh sample into the table on the way out.
func (m *Manager) ReadDirect(ctx context.Context, name string) (tag.Value, error) {
	m.mu.RLock()
	t := m.tags[name]
	m.mu.RUnlock()
	if t == nil {
		return tag.Value{}, errors.Errorf("unknown tag %q", name)
	}
	conn := m.connectorFor(t)
	if conn == nil {
		return tag.Value{}, errors.Errorf("tag %q: connector %q not registered", name, t.Connector)
	}
	values := conn.ReadTagValues(ctx, []*tag.Tag{t})
	v, ok := values[t.Name]
	if !ok {
		return tag.Value{}, errors.Errorf("tag %q: no sample returned", name)
	}
	if v.Quality.IsGood() {
		v.Value = t.Scaled(v.Value)
	}
	m.applyUpdate(t.Name, v)
	return v, nil
}

// Snapshot returns the current sample of every tag, for interlock
// evaluation and the northbound surfaces.
func (m *Manager) Snapshot() map[string]tag.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]tag.Value, len(m.states))
	for name, st := range m.states {
		out[name] = st.Current()
	}
	return out
}

// ConnectorHealth returns the health of every registered connector
func (m *Manager) ConnectorHealth() map[string]connector.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]connector.Health, len(m.conns))
	for name, c := range m.conns {
		out[name] = c.Health()
	}
	return out
}

func (m *Manager) connectorFor(t *tag.Tag) connector.Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[t.Connector]
}

// Write runs the gated write path: the tag must exist and be writable,
// the safety controller must allow it, the value is inverse-scaled and
// coerced to the tag's datatype, written, then confirmed with a re-read.
func (m *Manager) Write(ctx context.Context, name string, value interface{}) error {
	m.mu.RLock()
	t := m.tags[name]
	m.mu.RUnlock()
	if t == nil {
		return errors.Errorf("unknown tag %q", name)
	}
	if !t.Writable {
		return errors.Errorf("tag %q is not writable", name)
	}
	if m.safety != nil {
		if d := m.safety.ValidateWrite(name); !d.Allowed {
			return errors.Errorf("write to %q rejected: %s", name, d.Reason)
		}
		if !m.safety.CheckRateLimit() {
			return errors.Errorf("write to %q rejected: rate limit exceeded", name)
		}
	}
	raw, err := t.Unscaled(value)
	if err != nil {
		return errors.Wrapf(err, "tag %q: inverse scaling", name)
	}
	coerced, err := t.DataType.Coerce(raw)
	if err != nil {
		return errors.Wrapf(err, "tag %q: value does not fit %s", name, t.DataType)
	}
	conn := m.connectorFor(t)
	if conn == nil {
		return errors.Errorf("tag %q: connector %q not registered", name, t.Connector)
	}
	if !conn.WriteTagValue(ctx, t, coerced) {
		return errors.Errorf("tag %q: write failed", name)
	}
	// confirmation read; failure degrades quality but not the write result
	if _, err := m.ReadDirect(ctx, name); err != nil {
		log.Warnf("tag %s: post-write confirmation read failed: %v", name, err)
	}
	return nil
}
