// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package service runs the PEA services: one PackML state machine per
// service, driven locally (THICK), mirrored from the PLC (THIN) or both
// (HYBRID), with interlock gating, completion monitoring, persistence
// and the emergency stop.
package service

import (
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/mtp-gateway/pkg/packml"
	"github.com/DataDog/mtp-gateway/pkg/safety"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

// Mode decides who owns the state machine
type Mode string

// Service proxy modes
const (
	// ModeThick runs the state machine in the gateway; the PLC only sees
	// tag writes.
	ModeThick Mode = "THICK"
	// ModeThin mirrors the PLC's own state machine; commands are written
	// through and states read back.
	ModeThin Mode = "THIN"
	// ModeHybrid transitions locally and forwards commands, then adopts
	// whatever state the PLC reports.
	ModeHybrid Mode = "HYBRID"
)

// ParseMode validates a mode string
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeThick, ModeThin, ModeHybrid:
		return Mode(s), nil
	case "":
		return ModeThick, nil
	}
	return "", errors.Errorf("unknown service mode %q", s)
}

// Procedure is one selectable service procedure
type Procedure struct {
	ID      int
	Name    string
	Default bool
}

// Bindings names the PLC tags a THIN or HYBRID service is wired to
type Bindings struct {
	// StateTag reports the PLC-side state number
	StateTag string
	// CommandTag receives command numbers
	CommandTag string
	// ProcedureTag receives the selected procedure ID
	ProcedureTag string
}

// CompletionCondition holds an acting state until a tag comparison is
// satisfied. Timeout zero means wait forever.
type CompletionCondition struct {
	Tag       string
	Operator  string // ==, !=, >, >=, <, <=
	Value     interface{}
	Timeout   time.Duration
	OnTimeout packml.Command // zero value falls back to ABORT
}

// Met evaluates the condition against a snapshot. Missing tags and
// bad-quality samples never satisfy a condition.
func (c CompletionCondition) Met(snapshot map[string]tag.Value) bool {
	v, ok := snapshot[c.Tag]
	if !ok || v.Quality.IsBad() {
		return false
	}
	switch c.Operator {
	case "==", "":
		return compareEqual(v.Value, c.Value)
	case "!=":
		return !compareEqual(v.Value, c.Value)
	}
	af, aerr := tag.ToFloat64(v.Value)
	bf, berr := tag.ToFloat64(c.Value)
	if aerr != nil || berr != nil {
		return false
	}
	switch c.Operator {
	case ">":
		return af > bf
	case ">=":
		return af >= bf
	case "<":
		return af < bf
	case "<=":
		return af <= bf
	}
	return false
}

func compareEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	af, aerr := tag.ToFloat64(a)
	bf, berr := tag.ToFloat64(b)
	return aerr == nil && berr == nil && af == bf
}

// validOperators guards condition configs at registration time
var validOperators = map[string]struct{}{
	"": {}, "==": {}, "!=": {}, ">": {}, ">=": {}, "<": {}, "<=": {},
}

// Definition is the static configuration of one service
type Definition struct {
	Name string
	Mode Mode
	// Procedures selectable on START. Empty means procedure 0 only.
	Procedures []Procedure
	// SelfCompleting services leave EXECUTE on their own instead of
	// waiting for a COMPLETE command.
	SelfCompleting bool
	// ActingConditions gate the completion of acting states. Acting
	// states without a condition complete immediately in THICK and
	// HYBRID mode.
	ActingConditions map[packml.State]CompletionCondition
	// Interlocks must all hold for START and UNHOLD to be accepted
	Interlocks []safety.InterlockBinding
	// PLC tag bindings, required for THIN and HYBRID
	Bindings Bindings
}

// Validate rejects inconsistent definitions at registration time
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("service name is required")
	}
	if _, err := ParseMode(string(d.Mode)); err != nil {
		return errors.Wrapf(err, "service %s", d.Name)
	}
	if d.Mode == ModeThin || d.Mode == ModeHybrid {
		if d.Bindings.StateTag == "" || d.Bindings.CommandTag == "" {
			return errors.Errorf("service %s: %s mode requires state and command tag bindings", d.Name, d.Mode)
		}
	}
	defaults := 0
	seen := map[int]struct{}{}
	for _, p := range d.Procedures {
		if _, dup := seen[p.ID]; dup {
			return errors.Errorf("service %s: duplicate procedure id %d", d.Name, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.Errorf("service %s: more than one default procedure", d.Name)
	}
	for state, cond := range d.ActingConditions {
		if !state.IsActing() {
			return errors.Errorf("service %s: completion condition on non-acting state %s", d.Name, state)
		}
		if cond.Tag == "" {
			return errors.Errorf("service %s: completion condition for %s names no tag", d.Name, state)
		}
		if _, ok := validOperators[cond.Operator]; !ok {
			return errors.Errorf("service %s: unknown condition operator %q", d.Name, cond.Operator)
		}
	}
	return nil
}

// DefaultProcedure resolves the procedure used when START carries none:
// the configured default, else procedure 0.
func (d Definition) DefaultProcedure() int {
	for _, p := range d.Procedures {
		if p.Default {
			return p.ID
		}
	}
	return 0
}

// HasProcedure reports whether the ID is selectable. ID 0 is always
// accepted for services with no procedure list.
func (d Definition) HasProcedure(id int) bool {
	if len(d.Procedures) == 0 {
		return id == 0
	}
	for _, p := range d.Procedures {
		if p.ID == id {
			return true
		}
	}
	return false
}
