package fsm

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrWorkerGone is returned by GetState once the Threaded worker has exited
// (request queue closed, or a panic unwound the worker goroutine).
var ErrWorkerGone = errors.New("fsm: threaded worker is no longer running")

// threadedRequest is the sum type carried on the request queue, modeled
// after original_source/src/threaded_fsm.rs's four request kinds.
type threadedRequest[M any] struct {
	kind      reqKind
	msg       M
	tracePath string
	reply     chan threadedReply
}

type reqKind uint8

const (
	reqGetState reqKind = iota
	reqTraceOn
	reqTraceOff
	reqFsmMsg
)

// threadedReply carries a GetState result back to the caller. ctx is passed
// as an any so threadedReply itself doesn't need to be generic over C; the
// type assertion back happens in GetState, the one place that knows C.
type threadedReply struct {
	state string
	ctx   any
	err   error
}

// cloneContext copies *ctx the same way checker.deepCopy does: via an
// optional Clone() C method, falling back to a plain dereference for
// context types with no reference-typed fields worth special-casing. A
// Threaded worker must never hand its live *C out across the goroutine
// boundary — GetState's caller runs concurrently with the worker's own
// mutation of ctx via Send, so every reply carries an independent copy.
func cloneContext[C any](ctx *C) C {
	if cl, ok := any(ctx).(interface{ Clone() C }); ok {
		return cl.Clone()
	}
	return *ctx
}

// Threaded spawns a worker goroutine owning an Inline host and communicates
// with it over two internal queues: a request queue (GetState/TraceOn/
// TraceOff/FsmMsg) and, for GetState, a one-shot reply channel (spec.md
// §4.E). SendMsg is fire-and-forget; GetState blocks for a reply. All
// requests from one handle are processed by the worker in submission order;
// there is no ordering guarantee across distinct Threaded handles.
type Threaded[C any, M any, O any] struct {
	reqCh chan threadedRequest[M]
	done  chan struct{}
	log   logrus.FieldLogger
}

// NewThreaded wraps fsm in a dedicated worker goroutine and returns a handle.
func NewThreaded[C any, M any, O any](fsm *Fsm[C, M, O]) *Threaded[C, M, O] {
	var t = &Threaded[C, M, O]{
		reqCh: make(chan threadedRequest[M], 16),
		done:  make(chan struct{}),
		log:   logrus.StandardLogger(),
	}
	go t.run(fsm)
	return t
}

// WithLogger overrides the logger used to report a worker panic.
func (t *Threaded[C, M, O]) WithLogger(l logrus.FieldLogger) *Threaded[C, M, O] {
	t.log = l
	return t
}

func (t *Threaded[C, M, O]) run(fsm *Fsm[C, M, O]) {
	var inline = NewInline(fsm)
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("panic", r).Error("fsm: threaded worker panicked")
		}
	}()

	for req := range t.reqCh {
		switch req.kind {
		case reqGetState:
			var name, ctx = inline.GetState()
			req.reply <- threadedReply{state: name, ctx: cloneContext(ctx)}
		case reqTraceOn:
			_ = inline.TraceOn(req.tracePath)
		case reqTraceOff:
			_ = inline.TraceOff()
		case reqFsmMsg:
			inline.SendMsg(req.msg)
		}
	}
}

// SendMsg posts msg to the worker's request queue. Fire-and-forget: it does
// not wait for the step to execute.
func (t *Threaded[C, M, O]) SendMsg(msg M) {
	select {
	case t.reqCh <- threadedRequest[M]{kind: reqFsmMsg, msg: msg}:
	case <-t.done:
	}
}

// GetState synchronously fetches the current state name and a clone of the
// current Context — spec.md §4.E specifies the reply queue carries
// State(name, ctx_clone), matching Inline.GetState's (name, *C) modulo the
// clone: a Threaded handle can't safely hand out a live pointer into the
// worker goroutine's Context the way Inline can, since the worker may be
// concurrently mutating it via SendMsg. If the worker has exited (panicked,
// or Close was called and the queue drained), GetState returns ErrWorkerGone
// rather than hanging.
func (t *Threaded[C, M, O]) GetState() (string, C, error) {
	var zero C
	select {
	case <-t.done:
		return "", zero, ErrWorkerGone
	default:
	}
	var reply = make(chan threadedReply, 1)
	select {
	case t.reqCh <- threadedRequest[M]{kind: reqGetState, reply: reply}:
	case <-t.done:
		return "", zero, ErrWorkerGone
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return r.state, zero, r.err
		}
		return r.state, r.ctx.(C), nil
	case <-t.done:
		return "", zero, ErrWorkerGone
	}
}

// TraceOn asks the worker to enable step tracing to path.
func (t *Threaded[C, M, O]) TraceOn(path string) {
	select {
	case t.reqCh <- threadedRequest[M]{kind: reqTraceOn, tracePath: path}:
	case <-t.done:
	}
}

// TraceOff asks the worker to disable step tracing.
func (t *Threaded[C, M, O]) TraceOff() {
	select {
	case t.reqCh <- threadedRequest[M]{kind: reqTraceOff}:
	case <-t.done:
	}
}

// Close closes the request queue. The worker observes closure, finishes any
// already-queued requests, and exits. Close does not block for the worker
// to actually exit; use Wait for that.
func (t *Threaded[C, M, O]) Close() {
	defer func() { recover() }() // Close may race a concurrent Close.
	close(t.reqCh)
}

// Wait blocks until the worker goroutine has exited.
func (t *Threaded[C, M, O]) Wait() {
	<-t.done
}
