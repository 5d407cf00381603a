// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package packml

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateNumbering(t *testing.T) {
	assert.Equal(t, 0, int(StateUndefined))
	assert.Equal(t, 1, int(StateIdle))
	assert.Equal(t, 3, int(StateExecute))
	assert.Equal(t, 12, int(StateAborted))
	assert.Equal(t, 17, int(StateResetting))

	assert.Equal(t, 1, int(CommandReset))
	assert.Equal(t, 2, int(CommandStart))
	assert.Equal(t, 8, int(CommandAbort))
	assert.Equal(t, 10, int(CommandComplete))
}

func TestStateParsing(t *testing.T) {
	s, err := ParseState("EXECUTE")
	require.NoError(t, err)
	assert.Equal(t, StateExecute, s)

	_, err = ParseState("RUNNING")
	assert.Error(t, err)

	s, err = StateFromInt(7)
	require.NoError(t, err)
	assert.Equal(t, StateHeld, s)

	_, err = StateFromInt(18)
	assert.Error(t, err)

	c, err := ParseCommand("UNSUSPEND")
	require.NoError(t, err)
	assert.Equal(t, CommandUnsuspend, c)

	_, err = CommandFromInt(0)
	assert.Error(t, err)
	_, err = CommandFromInt(11)
	assert.Error(t, err)
}

func TestIsActing(t *testing.T) {
	for _, s := range []State{
		StateStarting, StateCompleting, StateHolding, StateUnholding,
		StateStopping, StateAborting, StateClearing, StateSuspending,
		StateUnsuspending, StateResetting,
	} {
		assert.True(t, s.IsActing(), "%s", s)
	}
	for _, s := range []State{
		StateUndefined, StateIdle, StateExecute, StateCompleted,
		StateHeld, StateStopped, StateAborted, StateSuspended,
	} {
		assert.False(t, s.IsActing(), "%s", s)
	}
}

func TestFullProductionCycle(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("dose")
	require.Equal(t, StateIdle, m.State())

	res := m.SendCommand(ctx, CommandStart)
	require.True(t, res.Success)
	assert.Equal(t, StateStarting, m.State())

	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateExecute, m.State())

	res = m.SendCommand(ctx, CommandComplete)
	require.True(t, res.Success)
	assert.Equal(t, StateCompleting, m.State())

	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateCompleted, m.State())

	res = m.SendCommand(ctx, CommandReset)
	require.True(t, res.Success)
	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateIdle, m.State())
}

func TestHoldAndSuspendPaths(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("mix")
	m.ForceState(StateExecute)

	res := m.SendCommand(ctx, CommandHold)
	require.True(t, res.Success)
	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateHeld, m.State())

	res = m.SendCommand(ctx, CommandUnhold)
	require.True(t, res.Success)
	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateExecute, m.State())

	res = m.SendCommand(ctx, CommandSuspend)
	require.True(t, res.Success)
	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateSuspended, m.State())

	res = m.SendCommand(ctx, CommandUnsuspend)
	require.True(t, res.Success)
	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateExecute, m.State())
}

func TestAbortAndClear(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("fill")
	m.ForceState(StateExecute)

	res := m.SendCommand(ctx, CommandAbort)
	require.True(t, res.Success)
	assert.Equal(t, StateAborting, m.State())

	// ABORTING accepts nothing, not even another ABORT
	res = m.SendCommand(ctx, CommandAbort)
	assert.False(t, res.Success)
	assert.Equal(t, StateAborting, m.State())

	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateAborted, m.State())

	res = m.SendCommand(ctx, CommandClear)
	require.True(t, res.Success)
	res = m.CompleteActingState(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StateStopped, m.State())

	res = m.SendCommand(ctx, CommandReset)
	require.True(t, res.Success)
	assert.Equal(t, StateResetting, m.State())
}

func TestInvalidCommands(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("dose")

	// START only valid from IDLE
	m.ForceState(StateExecute)
	res := m.SendCommand(ctx, CommandStart)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Equal(t, StateExecute, m.State())
	assert.Equal(t, StateExecute, res.FromState)
	assert.Equal(t, StateExecute, res.ToState)

	// STOPPING only accepts ABORT
	m.ForceState(StateStopping)
	res = m.SendCommand(ctx, CommandStop)
	assert.False(t, res.Success)
	res = m.SendCommand(ctx, CommandAbort)
	assert.True(t, res.Success)
	assert.Equal(t, StateAborting, m.State())

	// out-of-range command number
	m.ForceState(StateIdle)
	res = m.SendCommand(ctx, Command(42))
	assert.False(t, res.Success)
	assert.Equal(t, StateIdle, m.State())
}

func TestCompleteActingStateFromStable(t *testing.T) {
	m := NewMachine("dose")
	res := m.CompleteActingState(context.Background())
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Equal(t, StateIdle, m.State())
}

func TestCallbackOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("dose")

	var events []string
	m.OnExit(StateIdle, func(ctx context.Context, from, to State) error {
		events = append(events, "exit:"+from.String())
		return nil
	})
	m.OnEnter(StateStarting, func(ctx context.Context, from, to State) error {
		events = append(events, "enter:"+to.String())
		return nil
	})
	m.OnEnter(StateStarting, func(ctx context.Context, from, to State) error {
		events = append(events, "enter2:"+to.String())
		return nil
	})

	res := m.SendCommand(ctx, CommandStart)
	require.True(t, res.Success)
	assert.Equal(t, []string{"exit:IDLE", "enter:STARTING", "enter2:STARTING"}, events)
}

func TestCallbackErrorDoesNotBlockTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("dose")

	secondRan := false
	m.OnEnter(StateStarting, func(ctx context.Context, from, to State) error {
		return errors.New("boom")
	})
	m.OnEnter(StateStarting, func(ctx context.Context, from, to State) error {
		secondRan = true
		return nil
	})

	res := m.SendCommand(ctx, CommandStart)
	require.True(t, res.Success)
	assert.Equal(t, StateStarting, m.State())
	// an erroring callback stops the rest of that state's callbacks
	assert.False(t, secondRan)
}

func TestAdoptExternalState(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("dose")

	entered := 0
	m.OnEnter(StateExecute, func(ctx context.Context, from, to State) error {
		entered++
		return nil
	})

	// adoption bypasses the command table but fires callbacks
	res := m.AdoptExternalState(ctx, StateExecute)
	require.True(t, res.Success)
	assert.Equal(t, StateExecute, m.State())
	assert.Equal(t, 1, entered)

	// adopting the current state is a no-op
	res = m.AdoptExternalState(ctx, StateExecute)
	require.True(t, res.Success)
	assert.Equal(t, 1, entered)

	res = m.AdoptExternalState(ctx, State(99))
	assert.False(t, res.Success)
	assert.Equal(t, StateExecute, m.State())
}

func TestForceStateSkipsCallbacks(t *testing.T) {
	m := NewMachine("dose")
	fired := false
	m.OnEnter(StateAborted, func(ctx context.Context, from, to State) error {
		fired = true
		return nil
	})
	m.ForceState(StateAborted)
	assert.Equal(t, StateAborted, m.State())
	assert.False(t, fired)
}

func TestEveryActingStateHasCompletion(t *testing.T) {
	for s := range commandTransitions {
		if s.IsActing() {
			to, ok := CompletionFor(s)
			require.True(t, ok, "%s", s)
			assert.False(t, to.IsActing(), "%s completes into acting state %s", s, to)
		}
	}
}
