// Package checker implements the constraint checker specified by spec.md
// §4.F/§8: a property-based evaluator that drives an inline FSM over a
// message sequence, checking preconditions, invariants, postconditions, and
// transition checks around every step, in the order {pre, invariant-before,
// step, invariant-after, transition}.
package checker

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fsmstage/core/fsm"
	"github.com/fsmstage/core/internal/metrics"
)

// Predicate is a pure condition over a Context, paired with the message
// reported on failure. Predicates must not panic; a panicking predicate is
// a programming error and is allowed to propagate rather than being
// recovered (spec.md §4.F).
type Predicate[C any] struct {
	Check   func(ctx *C) bool
	Message string
}

// TransitionCheck validates a (from, to) transition by comparing the
// Context before and after the step, the message that drove it, and the
// outputs it produced.
type TransitionCheck[C any, M any, O any] func(before, after *C, msg M, outputs []O) error

// Constraints bundles the four predicate/check collections keyed by state
// name, per spec.md §3. Absence of a transitions[(from,to)] entry is
// permissive — no extra check — never a forbidden transition; this is a
// deliberate design choice restated by spec.md §9 and must not be
// reinterpreted as a closed transition table by callers.
type Constraints[C any, M any, O any] struct {
	Preconditions  map[string][]Predicate[C]
	Invariants     []Predicate[C]
	Postconditions map[string][]Predicate[C]
	Transitions    map[Transition]TransitionCheck[C, M, O]
}

// Transition identifies a (from, to) state pair in the Transitions map.
type Transition struct{ From, To string }

// NewConstraints returns an empty, ready-to-populate Constraints value.
func NewConstraints[C any, M any, O any]() Constraints[C, M, O] {
	return Constraints[C, M, O]{
		Preconditions:  map[string][]Predicate[C]{},
		Postconditions: map[string][]Predicate[C]{},
		Transitions:    map[Transition]TransitionCheck[C, M, O]{},
	}
}

// Checker owns an inline FSM and a Constraints set, and drives Check calls
// against it.
type Checker[C any, M any, O any] struct {
	name        string
	inline      *fsm.Inline[C, M, O]
	constraints Constraints[C, M, O]
	metrics     *metrics.Set
}

// New constructs a Checker over fsm with the given Constraints.
func New[C any, M any, O any](name string, f *fsm.Fsm[C, M, O], constraints Constraints[C, M, O]) *Checker[C, M, O] {
	return &Checker[C, M, O]{name: name, inline: fsm.NewInline(f), constraints: constraints}
}

// WithMetrics attaches a metrics.Set whose CheckerPass/CheckerFail counters
// are updated on every Check.
func (c *Checker[C, M, O]) WithMetrics(m *metrics.Set) *Checker[C, M, O] {
	c.metrics = m
	return c
}

func deepCopy[C any](ctx *C) C {
	// C is required (spec.md §3) to be cloneable; for Go's value semantics a
	// plain dereference is the clone as long as C holds no pointers/slices/maps
	// it mutates in place. Consumers whose Context does hold such fields
	// should give it a Clone() C method to override this default.
	if cl, ok := any(ctx).(interface{ Clone() C }); ok {
		return cl.Clone()
	}
	return *ctx
}

// Check evaluates one message: preconditions and invariants are evaluated
// strictly before the step runs, and if either fails the step is never
// invoked and the FSM is not advanced (spec.md §4.F step 1). Once they
// pass, the step executes, then invariants and the (from,to) transition
// check run against the post-step state.
func (c *Checker[C, M, O]) Check(msg M) ([]O, error) {
	var fromName, ctxBefore = c.inline.GetState()

	for _, p := range c.constraints.Preconditions[fromName] {
		if !p.Check(ctxBefore) {
			return nil, c.fail(fmt.Sprintf("Failed precondition: %s", p.Message))
		}
	}
	for _, p := range c.constraints.Invariants {
		if !p.Check(ctxBefore) {
			return nil, c.fail(fmt.Sprintf("Failed invariant: %s", p.Message))
		}
	}

	var before = deepCopy(ctxBefore)

	c.inline.SendMsg(msg)
	var outputs = c.inline.TakeOutputs()

	var toName, ctxAfter = c.inline.GetState()

	for _, p := range c.constraints.Invariants {
		if !p.Check(ctxAfter) {
			return nil, c.fail(fmt.Sprintf("Failed invariant: %s", p.Message))
		}
	}
	for _, p := range c.constraints.Postconditions[fromName] {
		if !p.Check(ctxAfter) {
			return nil, c.fail(fmt.Sprintf("Failed postcondition: %s", p.Message))
		}
	}

	if tc, ok := c.constraints.Transitions[Transition{From: fromName, To: toName}]; ok {
		var after = deepCopy(ctxAfter)
		if err := tc(&before, &after, msg, outputs); err != nil {
			return nil, c.fail(errors.WithMessage(err, "Failed transition check").Error())
		}
	}

	if c.metrics != nil {
		c.metrics.CheckerPass.WithLabelValues(c.name).Inc()
	}
	return outputs, nil
}

// CheckSequence folds Check over msgs, aborting and returning at the first
// error, and otherwise returning the concatenation of every step's outputs.
func (c *Checker[C, M, O]) CheckSequence(msgs []M) ([]O, error) {
	var all []O
	for _, m := range msgs {
		var out, err = c.Check(m)
		if err != nil {
			return nil, err
		}
		all = append(all, out...)
	}
	return all, nil
}

// GetState exposes the underlying FSM's current state and Context, for
// assembling fixtures and assertions in tests.
func (c *Checker[C, M, O]) GetState() (string, *C) {
	return c.inline.GetState()
}

func (c *Checker[C, M, O]) fail(message string) error {
	if c.metrics != nil {
		c.metrics.CheckerFail.WithLabelValues(c.name).Inc()
	}
	return errors.New(message)
}
