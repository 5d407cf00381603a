// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package packml implements the ISA-88 / VDI 2658 service state machine:
// 17 named states, 10 commands, a fixed command-transition table and the
// acting-state completion table.
package packml

import "fmt"

// State is one of the PackML states
type State int

// PackML states, numbered as exposed on the StateCur variable
const (
	StateUndefined State = iota
	StateIdle
	StateStarting
	StateExecute
	StateCompleting
	StateCompleted
	StateHolding
	StateHeld
	StateUnholding
	StateStopping
	StateStopped
	StateAborting
	StateAborted
	StateClearing
	StateSuspending
	StateSuspended
	StateUnsuspending
	StateResetting
)

var stateNames = map[State]string{
	StateUndefined:    "UNDEFINED",
	StateIdle:         "IDLE",
	StateStarting:     "STARTING",
	StateExecute:      "EXECUTE",
	StateCompleting:   "COMPLETING",
	StateCompleted:    "COMPLETED",
	StateHolding:      "HOLDING",
	StateHeld:         "HELD",
	StateUnholding:    "UNHOLDING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateAborting:     "ABORTING",
	StateAborted:      "ABORTED",
	StateClearing:     "CLEARING",
	StateSuspending:   "SUSPENDING",
	StateSuspended:    "SUSPENDED",
	StateUnsuspending: "UNSUSPENDING",
	StateResetting:    "RESETTING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNDEFINED"
}

// IsActing reports whether the state is transient (the ten -ING states)
func (s State) IsActing() bool {
	_, ok := actingCompletions[s]
	return ok
}

// Valid reports whether the integer maps to a defined state
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// ParseState parses a state name
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateUndefined, fmt.Errorf("unknown PackML state %q", name)
}

// StateFromInt maps a StateCur integer onto a state
func StateFromInt(v int) (State, error) {
	s := State(v)
	if !s.Valid() {
		return StateUndefined, fmt.Errorf("unknown PackML state number %d", v)
	}
	return s, nil
}

// Command is one of the PackML commands
type Command int

// PackML commands, numbered as written to CommandOp
const (
	CommandReset Command = iota + 1
	CommandStart
	CommandStop
	CommandHold
	CommandUnhold
	CommandSuspend
	CommandUnsuspend
	CommandAbort
	CommandClear
	CommandComplete
)

var commandNames = map[Command]string{
	CommandReset:     "RESET",
	CommandStart:     "START",
	CommandStop:      "STOP",
	CommandHold:      "HOLD",
	CommandUnhold:    "UNHOLD",
	CommandSuspend:   "SUSPEND",
	CommandUnsuspend: "UNSUSPEND",
	CommandAbort:     "ABORT",
	CommandClear:     "CLEAR",
	CommandComplete:  "COMPLETE",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// Valid reports whether the integer maps to a defined command
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// ParseCommand parses a command name
func ParseCommand(name string) (Command, error) {
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown PackML command %q", name)
}

// CommandFromInt maps a CommandOp integer onto a command
func CommandFromInt(v int) (Command, error) {
	c := Command(v)
	if !c.Valid() {
		return 0, fmt.Errorf("unknown PackML command number %d", v)
	}
	return c, nil
}

// commandTransitions is the fixed (state, command) -> state table.
// Stable states route commands to their acting state; every acting state
// accepts STOP and ABORT (STOPPING only ABORT, ABORTING neither).
var commandTransitions = map[State]map[Command]State{
	StateIdle: {
		CommandStart: StateStarting,
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateStarting: {
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateExecute: {
		CommandHold:     StateHolding,
		CommandSuspend:  StateSuspending,
		CommandStop:     StateStopping,
		CommandAbort:    StateAborting,
		CommandComplete: StateCompleting,
	},
	StateCompleting: {
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateCompleted: {
		CommandReset: StateResetting,
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateHolding: {
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateHeld: {
		CommandUnhold: StateUnholding,
		CommandStop:   StateStopping,
		CommandAbort:  StateAborting,
	},
	StateUnholding: {
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateSuspending: {
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateSuspended: {
		CommandUnsuspend: StateUnsuspending,
		CommandStop:      StateStopping,
		CommandAbort:     StateAborting,
	},
	StateUnsuspending: {
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
	StateStopping: {
		CommandAbort: StateAborting,
	},
	StateStopped: {
		CommandReset: StateResetting,
		CommandAbort: StateAborting,
	},
	StateAborting: {},
	StateAborted: {
		CommandClear: StateClearing,
	},
	StateClearing: {
		CommandAbort: StateAborting,
	},
	StateResetting: {
		CommandStop:  StateStopping,
		CommandAbort: StateAborting,
	},
}

// actingCompletions maps each acting state to the stable state it reaches
// when its procedure finishes.
var actingCompletions = map[State]State{
	StateStarting:     StateExecute,
	StateCompleting:   StateCompleted,
	StateHolding:      StateHeld,
	StateUnholding:    StateExecute,
	StateStopping:     StateStopped,
	StateAborting:     StateAborted,
	StateClearing:     StateStopped,
	StateSuspending:   StateSuspended,
	StateUnsuspending: StateExecute,
	StateResetting:    StateIdle,
}

// TransitionFor returns the target of (state, command) from the table
func TransitionFor(s State, c Command) (State, bool) {
	targets, ok := commandTransitions[s]
	if !ok {
		return StateUndefined, false
	}
	to, ok := targets[c]
	return to, ok
}

// CompletionFor returns the stable state an acting state completes into
func CompletionFor(s State) (State, bool) {
	to, ok := actingCompletions[s]
	return to, ok
}
