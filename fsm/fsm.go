// Package fsm implements the deterministic finite state machine kernel
// (spec.md §4.C) and its two hosts: Inline (§4.D, a synchronous driver) and
// Threaded (§4.E, a request/reply worker on its own goroutine).
//
// An Fsm is a pure function from (Context, Msg) to (next StateFn, []Output),
// generalized from broker/append_fsm.go's hand-written appendState dispatch
// (a single hardcoded state machine) into a reusable kernel driven by
// named, first-class StateFn values — preserved as function-pointer states
// per spec.md §9 rather than collapsed into an enum switch, because the
// constraint checker indexes by StateFn.Name.
package fsm

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fsmstage/core/internal/metrics"
)

// StepFunc is the pure transition function of a named state: given the
// current Context and an input Msg, it returns the next StateFn and any
// Outputs produced by the step. It must be deterministic in (ctx, msg) and
// must not introduce hidden state (wall-clock, RNG) outside of ctx.
type StepFunc[C any, M any, O any] func(ctx *C, msg M) (StateFn[C, M, O], []O)

// StateFn is a named state: a (name, step function) pair. States are
// first-class values — storable, cloneable, comparable by identity of their
// Name — per spec.md §9's function-pointer design note.
type StateFn[C any, M any, O any] struct {
	Name string
	Step StepFunc[C, M, O]
}

// Fsm is an instance: (current StateFn, owned Context). Output is the
// degenerate struct{} type for kernel revisions that produce no outputs
// (spec.md §9's merge of the source's Output-less fsm.rs revisions).
type Fsm[C any, M any, O any] struct {
	name    string
	current StateFn[C, M, O]
	ctx     C

	mu      sync.Mutex // guards trace only; Fsm itself is not meant to be shared across goroutines.
	trace   *os.File
	log     logrus.FieldLogger
	metrics *metrics.Set
}

// New constructs an Fsm in the given initial state and context. name is used
// only for logging/metrics labels.
func New[C any, M any, O any](name string, initial StateFn[C, M, O], ctx C) *Fsm[C, M, O] {
	return &Fsm[C, M, O]{
		name:    name,
		current: initial,
		ctx:     ctx,
		log:     logrus.StandardLogger(),
	}
}

// WithLogger overrides the logger used for trace I/O failure reporting.
func (f *Fsm[C, M, O]) WithLogger(l logrus.FieldLogger) *Fsm[C, M, O] {
	f.log = l
	return f
}

// WithMetrics attaches a metrics.Set whose FsmSteps counter is incremented
// on every Send.
func (f *Fsm[C, M, O]) WithMetrics(m *metrics.Set) *Fsm[C, M, O] {
	f.metrics = m
	return f
}

// Send drives one step: invokes the current state's Step function, replaces
// the current StateFn with the one it returns, and returns the step's
// collected outputs. If tracing is enabled, three lines are appended to the
// trace file before Send returns.
func (f *Fsm[C, M, O]) Send(msg M) []O {
	var fromName = f.current.Name
	var tracing = f.tracing()
	var fromDebug string
	if tracing {
		fromDebug = debugString(&f.ctx)
	}

	var next, outputs = f.current.Step(&f.ctx, msg)
	f.current = next

	if f.metrics != nil {
		f.metrics.FsmSteps.WithLabelValues(f.name, next.Name).Inc()
	}

	if tracing {
		f.writeTrace(fromName, fromDebug, msg, next.Name, debugString(&f.ctx))
	}
	return outputs
}

func (f *Fsm[C, M, O]) tracing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trace != nil
}

// debugString renders v the way the trace file format (spec.md §6) wants:
// the Context's own String() if it implements fmt.Stringer, otherwise %+v
// on the pointed-to value so field names are visible.
func debugString[C any](v *C) string {
	if s, ok := any(v).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%+v", *v)
}

// GetState returns the current state's name and a pointer to the live
// Context, for inspection without mutation. Callers must not mutate *C
// through the returned pointer.
func (f *Fsm[C, M, O]) GetState() (string, *C) {
	return f.current.Name, &f.ctx
}

// TraceOn enables step tracing to path, truncating any pre-existing file.
// Three lines are appended per step thereafter:
//
//	C: <state> <ctx>
//	M: <msg>
//	N: <new_state> <new_ctx>
//
// Enabling with a new path replaces and truncates. Trace I/O failures are
// reported via the logger, not silenced, and never mutate Fsm state.
func (f *Fsm[C, M, O]) TraceOn(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.trace != nil {
		_ = f.trace.Close()
		f.trace = nil
	}
	var file, err = os.Create(path)
	if err != nil {
		return errors.WithMessage(err, "fsm: TraceOn")
	}
	f.trace = file
	return nil
}

// TraceOff disables tracing, flushing and closing the trace file.
func (f *Fsm[C, M, O]) TraceOff() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.trace == nil {
		return nil
	}
	var err = f.trace.Close()
	f.trace = nil
	if err != nil {
		return errors.WithMessage(err, "fsm: TraceOff")
	}
	return nil
}

func (f *Fsm[C, M, O]) writeTrace(fromName, fromDebug string, msg M, toName, toDebug string) {
	f.mu.Lock()
	var file = f.trace
	f.mu.Unlock()
	if file == nil {
		return
	}

	var w = bufio.NewWriter(file)
	var _, err = fmt.Fprintf(w, "C: %s %s\nM: %+v\nN: %s %s\n", fromName, fromDebug, msg, toName, toDebug)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		f.log.WithError(err).WithField("fsm", f.name).Error("fsm: trace write failed")
	}
}
