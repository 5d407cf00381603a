// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/safety"
	"github.com/DataDog/mtp-gateway/pkg/status/health"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// monitorInterval paces the completion monitor and the state sync
const monitorInterval = 100 * time.Millisecond

// TagAccess is the slice of the tag manager the service layer needs
type TagAccess interface {
	Read(name string) (tag.Value, error)
	Write(ctx context.Context, name string, value interface{}) error
	Snapshot() map[string]tag.Value
}

// Store is the slice of the persistence layer the service layer needs
type Store interface {
	SaveSnapshot(persistence.ServiceSnapshot) error
	LoadSnapshots() ([]persistence.ServiceSnapshot, error)
	DeleteSnapshot(service string) error
	AppendAudit(persistence.AuditEntry) error
}

// Event is one service transition notification
type Event struct {
	Service   string       `json:"service"`
	From      packml.State `json:"from"`
	To        packml.State `json:"to"`
	Procedure int          `json:"procedure"`
	Timestamp time.Time    `json:"timestamp"`
}

// CommandOptions qualify a SendCommand call
type CommandOptions struct {
	// Procedure selects the procedure on START. Nil picks the default.
	Procedure *int
	// Actor lands in the audit trail
	Actor string
}

// Status is the externally visible state of one service
type Status struct {
	Name           string `json:"name"`
	Mode           Mode   `json:"mode"`
	State          string `json:"state"`
	StateNumber    int    `json:"state_number"`
	Procedure      int    `json:"procedure"`
	SelfCompleting bool   `json:"self_completing"`
	Interlocked    bool   `json:"interlocked"`
	InterlockInfo  string `json:"interlock_info,omitempty"`
}

// runtime is the live side of one service
type runtime struct {
	def     Definition
	machine *packml.Machine

	mu          sync.Mutex
	procedure   int
	pendingProc int
	actingSince time.Time
}

// Manager owns every service runtime
type Manager struct {
	mu       sync.RWMutex
	services map[string]*runtime
	order    []string

	tags       TagAccess
	store      Store
	interlocks *safety.InterlockEvaluator
	safetyCtl  *safety.Controller
	clock      clock.Clock

	subMu sync.RWMutex
	subs  []func(Event)

	estopped atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// Option configures a Manager
type Option func(*Manager)

// WithClock substitutes the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithStore enables snapshot persistence and the audit trail
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithSafety wires the controller whose safe-state values the emergency
// stop writes.
func WithSafety(c *safety.Controller) Option {
	return func(m *Manager) { m.safetyCtl = c }
}

// NewManager returns a manager over the given tag access
func NewManager(tags TagAccess, opts ...Option) *Manager {
	m := &Manager{
		services:   map[string]*runtime{},
		tags:       tags,
		interlocks: safety.NewInterlockEvaluator(nil),
		clock:      clock.New(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddService registers a service. Must be called before Start.
func (m *Manager) AddService(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Mode == "" {
		def.Mode = ModeThick
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("service manager already started")
	}
	if _, ok := m.services[def.Name]; ok {
		return errors.Errorf("service %q already registered", def.Name)
	}
	m.services[def.Name] = &runtime{
		def:         def,
		machine:     packml.NewMachine(def.Name),
		pendingProc: -1,
	}
	m.order = append(m.order, def.Name)
	if len(def.Interlocks) > 0 {
		m.interlocks = safety.NewInterlockEvaluator(m.allInterlocksLocked())
	}
	return nil
}

func (m *Manager) allInterlocksLocked() map[string][]safety.InterlockBinding {
	out := map[string][]safety.InterlockBinding{}
	for name, rt := range m.services {
		if len(rt.def.Interlocks) > 0 {
			out[name] = rt.def.Interlocks
		}
	}
	return out
}

// Subscribe registers a transition listener
func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

// Start restores persisted snapshots and launches the monitor loop
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("service manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.recover()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.monitorLoop(runCtx)
	return nil
}

// Stop halts the monitor loop
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
}

// recover restores service state from persisted snapshots and deletes
// them afterwards so a stale snapshot cannot be replayed twice.
func (m *Manager) recover() {
	if m.store == nil {
		return
	}
	snaps, err := m.store.LoadSnapshots()
	if err != nil {
		log.Errorf("service recovery: loading snapshots: %v", err)
		return
	}
	for _, snap := range snaps {
		m.mu.RLock()
		rt := m.services[snap.Service]
		m.mu.RUnlock()
		if rt == nil {
			log.Warnf("service recovery: snapshot for unknown service %q ignored", snap.Service)
		} else if st, err := packml.StateFromInt(snap.State); err != nil {
			log.Warnf("service recovery: %s: %v", snap.Service, err)
		} else {
			rt.machine.ForceState(st)
			rt.mu.Lock()
			rt.procedure = snap.Procedure
			rt.actingSince = m.clock.Now()
			rt.mu.Unlock()
			log.Infof("service %s restored to %s (procedure %d)", snap.Service, st, snap.Procedure)
		}
		if err := m.store.DeleteSnapshot(snap.Service); err != nil {
			log.Warnf("service recovery: deleting snapshot for %s: %v", snap.Service, err)
		}
	}
}

// SendCommand applies a PackML command to a service. START and UNHOLD
// are gated on the service's interlocks; START additionally resolves the
// procedure.
func (m *Manager) SendCommand(ctx context.Context, name string, cmd packml.Command, opts CommandOptions) (packml.TransitionResult, error) {
	m.mu.RLock()
	rt := m.services[name]
	m.mu.RUnlock()
	if rt == nil {
		return packml.TransitionResult{}, errors.Errorf("unknown service %q", name)
	}

	res, err := m.sendCommand(ctx, rt, cmd, opts)
	m.audit(opts.Actor, "command", name, fmt.Sprintf("%s (%s -> %s)", cmd, res.FromState, res.ToState), err == nil && res.Success)
	return res, err
}

func (m *Manager) sendCommand(ctx context.Context, rt *runtime, cmd packml.Command, opts CommandOptions) (packml.TransitionResult, error) {
	cur := rt.machine.State()
	if cmd == packml.CommandStart || cmd == packml.CommandUnhold {
		if d := m.checkInterlocks(rt.def.Name); d.Interlocked {
			return packml.TransitionResult{FromState: cur, ToState: cur},
				errors.Errorf("service %s: %s rejected: %s", rt.def.Name, cmd, d.Reason)
		}
	}

	procedure := -1
	if cmd == packml.CommandStart {
		procedure = rt.def.DefaultProcedure()
		if opts.Procedure != nil {
			procedure = *opts.Procedure
		}
		if !rt.def.HasProcedure(procedure) {
			return packml.TransitionResult{FromState: cur, ToState: cur},
				errors.Errorf("service %s: unknown procedure %d", rt.def.Name, procedure)
		}
	}

	switch rt.def.Mode {
	case ModeThin:
		return m.sendThin(ctx, rt, cmd, cur, procedure)
	default:
		return m.sendLocal(ctx, rt, cmd, procedure)
	}
}

// sendThin validates against the mirrored state and writes the command
// through to the PLC. The state change arrives later via sync.
func (m *Manager) sendThin(ctx context.Context, rt *runtime, cmd packml.Command, cur packml.State, procedure int) (packml.TransitionResult, error) {
	if _, ok := packml.TransitionFor(cur, cmd); !ok {
		return packml.TransitionResult{FromState: cur, ToState: cur},
			errors.Errorf("service %s: command %s not allowed in state %s", rt.def.Name, cmd, cur)
	}
	if procedure >= 0 {
		rt.mu.Lock()
		rt.pendingProc = procedure
		rt.mu.Unlock()
		if rt.def.Bindings.ProcedureTag != "" {
			if err := m.tags.Write(ctx, rt.def.Bindings.ProcedureTag, procedure); err != nil {
				return packml.TransitionResult{FromState: cur, ToState: cur},
					errors.Wrapf(err, "service %s: writing procedure", rt.def.Name)
			}
		}
	}
	if err := m.tags.Write(ctx, rt.def.Bindings.CommandTag, int(cmd)); err != nil {
		return packml.TransitionResult{FromState: cur, ToState: cur},
			errors.Wrapf(err, "service %s: writing command", rt.def.Name)
	}
	// the mirrored state is unchanged until the PLC reports the new one
	return packml.TransitionResult{Success: true, FromState: cur, ToState: cur}, nil
}

// sendLocal transitions the gateway-owned machine. HYBRID additionally
// forwards the command to the PLC.
func (m *Manager) sendLocal(ctx context.Context, rt *runtime, cmd packml.Command, procedure int) (packml.TransitionResult, error) {
	res := rt.machine.SendCommand(ctx, cmd)
	if !res.Success {
		return res, res.Err
	}
	if procedure >= 0 {
		rt.mu.Lock()
		rt.procedure = procedure
		rt.mu.Unlock()
	}
	m.afterTransition(rt, res.FromState, res.ToState)

	if rt.def.Mode == ModeHybrid {
		if rt.def.Bindings.ProcedureTag != "" && procedure >= 0 {
			if err := m.tags.Write(ctx, rt.def.Bindings.ProcedureTag, procedure); err != nil {
				log.Warnf("service %s: forwarding procedure to PLC: %v", rt.def.Name, err)
			}
		}
		if err := m.tags.Write(ctx, rt.def.Bindings.CommandTag, int(cmd)); err != nil {
			log.Warnf("service %s: forwarding command to PLC: %v", rt.def.Name, err)
		}
	}

	// acting states without a completion condition finish right away
	if res.ToState.IsActing() {
		if _, gated := rt.def.ActingConditions[res.ToState]; !gated {
			if done := rt.machine.CompleteActingState(ctx); done.Success {
				m.afterTransition(rt, done.FromState, done.ToState)
				res = packml.TransitionResult{Success: true, FromState: res.FromState, ToState: done.ToState}
			}
		} else {
			rt.mu.Lock()
			rt.actingSince = m.clock.Now()
			rt.mu.Unlock()
		}
	}
	return res, nil
}

func (m *Manager) checkInterlocks(name string) safety.InterlockDecision {
	snap := m.tags.Snapshot()
	values := make(map[string]interface{}, len(snap))
	for k, v := range snap {
		if v.Quality.IsGood() || v.Quality.IsUncertain() {
			values[k] = v.Value
		}
	}
	return m.interlocks.CheckServiceInterlocks(name, values)
}

// afterTransition persists a snapshot and notifies subscribers. The
// snapshot write is fire and forget; a slow database never blocks a
// transition.
func (m *Manager) afterTransition(rt *runtime, from, to packml.State) {
	rt.mu.Lock()
	procedure := rt.procedure
	if to.IsActing() {
		rt.actingSince = m.clock.Now()
	}
	rt.mu.Unlock()

	if m.store != nil {
		snap := persistence.ServiceSnapshot{
			Service:   rt.def.Name,
			State:     int(to),
			Procedure: procedure,
			UpdatedAt: m.clock.Now(),
		}
		go func() {
			if err := m.store.SaveSnapshot(snap); err != nil {
				log.Warnf("service %s: persisting snapshot: %v", snap.Service, err)
			}
		}()
	}

	ev := Event{
		Service:   rt.def.Name,
		From:      from,
		To:        to,
		Procedure: procedure,
		Timestamp: m.clock.Now().UTC(),
	}
	m.subMu.RLock()
	subs := m.subs
	m.subMu.RUnlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("service subscriber panic on %s: %v", ev.Service, r)
				}
			}()
			fn(ev)
		}()
	}
}

func (m *Manager) audit(actor, action, target, detail string, success bool) {
	if m.store == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if err := m.store.AppendAudit(persistence.AuditEntry{
		Timestamp: m.clock.Now(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Success:   success,
	}); err != nil {
		log.Warnf("audit entry for %s on %s: %v", action, target, err)
	}
}

// Status reports one service
func (m *Manager) Status(name string) (Status, error) {
	m.mu.RLock()
	rt := m.services[name]
	m.mu.RUnlock()
	if rt == nil {
		return Status{}, errors.Errorf("unknown service %q", name)
	}
	return m.statusOf(rt), nil
}

// List reports every service in registration order
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.statusOf(m.services[name]))
	}
	return out
}

func (m *Manager) statusOf(rt *runtime) Status {
	st := rt.machine.State()
	rt.mu.Lock()
	procedure := rt.procedure
	rt.mu.Unlock()
	s := Status{
		Name:           rt.def.Name,
		Mode:           rt.def.Mode,
		State:          st.String(),
		StateNumber:    int(st),
		Procedure:      procedure,
		SelfCompleting: rt.def.SelfCompleting,
	}
	if len(rt.def.Interlocks) > 0 {
		d := m.checkInterlocks(rt.def.Name)
		s.Interlocked = d.Interlocked
		s.InterlockInfo = d.Reason
	}
	return s
}

// Machine exposes the underlying state machine, for northbound bindings
func (m *Manager) Machine(name string) (*packml.Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.services[name]
	if !ok {
		return nil, false
	}
	return rt.machine, true
}

// Definition returns the registered definition of a service
func (m *Manager) Definition(name string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.services[name]
	if !ok {
		return Definition{}, false
	}
	return rt.def, true
}

// monitorLoop drives completion conditions, self-completing services and
// THIN/HYBRID state sync on a fixed cadence.
func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	healthToken := health.Register("service-monitor")
	defer func() {
		if err := health.Deregister(healthToken); err != nil {
			log.Debugf("service monitor: health deregister: %v", err)
		}
	}()

	ticker := m.clock.Ticker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := health.Ping(healthToken); err != nil {
				log.Debugf("service monitor: health ping: %v", err)
			}
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.RLock()
	rts := make([]*runtime, 0, len(m.order))
	for _, name := range m.order {
		rts = append(rts, m.services[name])
	}
	m.mu.RUnlock()

	var snapshot map[string]tag.Value
	for _, rt := range rts {
		if rt.def.Mode == ModeThin || rt.def.Mode == ModeHybrid {
			m.syncFromPLC(ctx, rt)
		}
		if rt.def.Mode == ModeThin {
			continue
		}
		st := rt.machine.State()
		switch {
		case st.IsActing():
			if snapshot == nil {
				snapshot = m.tags.Snapshot()
			}
			m.driveActing(ctx, rt, st, snapshot)
		case st == packml.StateExecute && rt.def.SelfCompleting:
			if res := rt.machine.SendCommand(ctx, packml.CommandComplete); res.Success {
				m.afterTransition(rt, res.FromState, res.ToState)
				m.finishUngated(ctx, rt, res.ToState)
			}
		}
	}
}

// driveActing completes or times out an acting state that carries a
// completion condition. Conditionless acting states only appear here
// after recovery or adoption and complete immediately.
func (m *Manager) driveActing(ctx context.Context, rt *runtime, st packml.State, snapshot map[string]tag.Value) {
	cond, gated := rt.def.ActingConditions[st]
	if !gated {
		if res := rt.machine.CompleteActingState(ctx); res.Success {
			m.afterTransition(rt, res.FromState, res.ToState)
		}
		return
	}
	if cond.Met(snapshot) {
		if res := rt.machine.CompleteActingState(ctx); res.Success {
			m.afterTransition(rt, res.FromState, res.ToState)
			m.finishUngated(ctx, rt, res.ToState)
		}
		return
	}
	if cond.Timeout <= 0 {
		return
	}
	rt.mu.Lock()
	since := rt.actingSince
	rt.mu.Unlock()
	if m.clock.Now().Sub(since) < cond.Timeout {
		return
	}
	fallback := cond.OnTimeout
	if fallback == 0 {
		fallback = packml.CommandAbort
	}
	log.Warnf("service %s: %s did not complete within %s, sending %s", rt.def.Name, st, cond.Timeout, fallback)
	if res := rt.machine.SendCommand(ctx, fallback); res.Success {
		m.afterTransition(rt, res.FromState, res.ToState)
		m.finishUngated(ctx, rt, res.ToState)
	}
	m.audit("system", "completion_timeout", rt.def.Name, fmt.Sprintf("%s timed out, sent %s", st, fallback), true)
}

// finishUngated chases a transition into an acting state that carries no
// completion condition of its own.
func (m *Manager) finishUngated(ctx context.Context, rt *runtime, st packml.State) {
	if !st.IsActing() {
		return
	}
	if _, gated := rt.def.ActingConditions[st]; gated {
		return
	}
	if res := rt.machine.CompleteActingState(ctx); res.Success {
		m.afterTransition(rt, res.FromState, res.ToState)
	}
}

// syncFromPLC adopts the device-reported state for THIN and HYBRID
// services.
func (m *Manager) syncFromPLC(ctx context.Context, rt *runtime) {
	v, err := m.tags.Read(rt.def.Bindings.StateTag)
	if err != nil || !v.Quality.IsGood() {
		return
	}
	f, err := tag.ToFloat64(v.Value)
	if err != nil {
		return
	}
	st, err := packml.StateFromInt(int(f))
	if err != nil {
		log.Debugf("service %s: device reports unknown state %v", rt.def.Name, v.Value)
		return
	}
	cur := rt.machine.State()
	if st == cur {
		return
	}
	res := rt.machine.AdoptExternalState(ctx, st)
	if !res.Success {
		return
	}
	rt.mu.Lock()
	if rt.pendingProc >= 0 && (st == packml.StateStarting || st == packml.StateExecute) {
		rt.procedure = rt.pendingProc
		rt.pendingProc = -1
	}
	rt.mu.Unlock()
	m.afterTransition(rt, res.FromState, res.ToState)
}
