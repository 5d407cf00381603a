// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package service

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
)

// EmergencyStop drives the plant to its configured safe state and aborts
// every service. It is idempotent: a second call while the stop is
// latched does nothing. Safe-state write failures are collected, never
// fatal; the abort sweep always runs.
func (m *Manager) EmergencyStop(ctx context.Context, actor string) error {
	if !m.estopped.CompareAndSwap(false, true) {
		return nil
	}
	log.Warnf("emergency stop triggered by %s", actorOrSystem(actor))

	var errs *multierror.Error
	if m.safetyCtl != nil {
		for name, value := range m.safetyCtl.SafeStateValues() {
			if err := m.tags.Write(ctx, name, value); err != nil {
				log.Errorf("emergency stop: writing safe state %s=%v: %v", name, value, err)
				errs = multierror.Append(errs, err)
			}
		}
	}

	m.mu.RLock()
	rts := make([]*runtime, 0, len(m.order))
	for _, name := range m.order {
		rts = append(rts, m.services[name])
	}
	m.mu.RUnlock()

	aborted := 0
	for _, rt := range rts {
		if _, ok := packml.TransitionFor(rt.machine.State(), packml.CommandAbort); !ok {
			continue
		}
		if rt.def.Mode == ModeThin {
			if _, err := m.sendThin(ctx, rt, packml.CommandAbort, rt.machine.State(), -1); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				aborted++
			}
			continue
		}
		if _, err := m.sendLocal(ctx, rt, packml.CommandAbort, -1); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			aborted++
		}
	}

	m.audit(actor, "emergency_stop", "gateway", fmt.Sprintf("aborted %d services", aborted), errs.ErrorOrNil() == nil)
	return errs.ErrorOrNil()
}

// EmergencyStopActive reports whether the stop is latched
func (m *Manager) EmergencyStopActive() bool {
	return m.estopped.Load()
}

// ClearEmergencyStop releases the latch so services can be cleared and
// reset.
func (m *Manager) ClearEmergencyStop(actor string) {
	if m.estopped.CompareAndSwap(true, false) {
		log.Infof("emergency stop cleared by %s", actorOrSystem(actor))
		m.audit(actor, "emergency_stop_clear", "gateway", "", true)
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
