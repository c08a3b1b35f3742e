package fsm

// Inline is the direct synchronous driver for an Fsm (spec.md §4.D): a thin
// wrapper used wherever the caller wants to execute FSM steps on its own
// thread — tests, the constraint checker, and CallerThread stages.
type Inline[C any, M any, O any] struct {
	fsm     *Fsm[C, M, O]
	outputs []O
}

// NewInline wraps fsm for synchronous use.
func NewInline[C any, M any, O any](fsm *Fsm[C, M, O]) *Inline[C, M, O] {
	return &Inline[C, M, O]{fsm: fsm}
}

// SendMsg drives one step and accumulates its outputs for later draining by
// TakeOutputs.
func (h *Inline[C, M, O]) SendMsg(msg M) {
	h.outputs = append(h.outputs, h.fsm.Send(msg)...)
}

// GetState returns the current state name and a read-only view of Context.
func (h *Inline[C, M, O]) GetState() (string, *C) {
	return h.fsm.GetState()
}

// TraceOn enables step tracing to path.
func (h *Inline[C, M, O]) TraceOn(path string) error { return h.fsm.TraceOn(path) }

// TraceOff disables step tracing.
func (h *Inline[C, M, O]) TraceOff() error { return h.fsm.TraceOff() }

// TakeOutputs drains and returns all outputs accumulated since the last
// call to TakeOutputs.
func (h *Inline[C, M, O]) TakeOutputs() []O {
	var out = h.outputs
	h.outputs = nil
	return out
}
