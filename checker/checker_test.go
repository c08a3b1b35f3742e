package checker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsmstage/core/fsm"
)

type doorCtx struct{ Open bool }

type toggleMsg struct{}

var closedState fsm.StateFn[doorCtx, toggleMsg, struct{}]
var openState fsm.StateFn[doorCtx, toggleMsg, struct{}]

func init() {
	closedState = fsm.StateFn[doorCtx, toggleMsg, struct{}]{Name: "closed", Step: stepClosed}
	openState = fsm.StateFn[doorCtx, toggleMsg, struct{}]{Name: "open", Step: stepOpen}
}

func stepClosed(ctx *doorCtx, _ toggleMsg) (fsm.StateFn[doorCtx, toggleMsg, struct{}], []struct{}) {
	ctx.Open = true
	return openState, nil
}

func stepOpen(ctx *doorCtx, _ toggleMsg) (fsm.StateFn[doorCtx, toggleMsg, struct{}], []struct{}) {
	ctx.Open = false
	return closedState, nil
}

func newDoorChecker() *Checker[doorCtx, toggleMsg, struct{}] {
	var constraints = NewConstraints[doorCtx, toggleMsg, struct{}]()
	constraints.Preconditions["closed"] = []Predicate[doorCtx]{
		{Check: func(c *doorCtx) bool { return !c.Open }, Message: "closed door must not be open"},
	}
	constraints.Postconditions["closed"] = []Predicate[doorCtx]{
		{Check: func(c *doorCtx) bool { return c.Open }, Message: "toggling a closed door must open it"},
	}
	constraints.Transitions[Transition{From: "closed", To: "open"}] = func(before, after *doorCtx, _ toggleMsg, _ []struct{}) error {
		if before.Open {
			return assert.AnError
		}
		return nil
	}
	return New("door", fsm.New("door", closedState, doorCtx{}), constraints)
}

func TestCheckPassesValidSequence(t *testing.T) {
	var c = newDoorChecker()
	var _, err = c.Check(toggleMsg{})
	require.NoError(t, err)

	var name, _ = c.GetState()
	assert.Equal(t, "open", name)
}

func TestCheckFailsPrecondition(t *testing.T) {
	var constraints = NewConstraints[doorCtx, toggleMsg, struct{}]()
	constraints.Preconditions["closed"] = []Predicate[doorCtx]{
		{Check: func(c *doorCtx) bool { return false }, Message: "always false"},
	}
	var c = New("door", fsm.New("door", closedState, doorCtx{}), constraints)

	var _, err = c.Check(toggleMsg{})
	require.Error(t, err)

	// The FSM must not have advanced: the precondition failure short-circuits
	// before the step runs.
	var name, _ = c.GetState()
	assert.Equal(t, "closed", name)
}

func TestCheckFailsInvariant(t *testing.T) {
	var constraints = NewConstraints[doorCtx, toggleMsg, struct{}]()
	constraints.Invariants = []Predicate[doorCtx]{
		{Check: func(c *doorCtx) bool { return false }, Message: "impossible"},
	}
	var c = New("door", fsm.New("door", closedState, doorCtx{}), constraints)

	var _, err = c.Check(toggleMsg{})
	assert.Error(t, err)
}

func TestCheckSequenceFoldsAcrossSteps(t *testing.T) {
	var c = newDoorChecker()
	var msgs = []toggleMsg{{}, {}, {}}

	// closed->open (ok), open->closed (no postcondition/precondition defined
	// for "open", ok), closed->open again (ok): all three should succeed,
	// demonstrating CheckSequence folds correctly across multiple steps.
	var _, err = c.CheckSequence(msgs)
	require.NoError(t, err)

	var name, _ = c.GetState()
	assert.Equal(t, "open", name)
}

func TestAbsentTransitionEntryIsPermissive(t *testing.T) {
	// No Transitions["open","closed"] entry is registered: this must not be
	// treated as a forbidden transition.
	var c = newDoorChecker()
	_, err := c.Check(toggleMsg{}) // closed -> open, checked.
	require.NoError(t, err)
	_, err = c.Check(toggleMsg{}) // open -> closed, unchecked transition.
	require.NoError(t, err)
}
