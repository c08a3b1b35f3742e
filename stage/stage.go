// Package stage implements the Stage runtime host specified by spec.md
// §4.G: a binding of a Channel to an FSM host, run under one of two
// execution policies, with output envelopes routed to peer stages by a
// name-keyed table.
//
// The lifecycle loop and its drain-then-exit shutdown are generalized from
// consumer/resolver.go's Resolver/Replica pattern (there: a shard replica
// driven by Etcd-sourced assignments; here: an FSM driven by a Channel).
package stage

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fsmstage/core/channel"
	"github.com/fsmstage/core/envelope"
	"github.com/fsmstage/core/fsm"
	"github.com/fsmstage/core/internal/xtrace"
)

// ExecPolicy selects how a Stage's loop is driven.
type ExecPolicy uint8

const (
	// CallerThread dispatches HandleMsg synchronously on the caller's own
	// goroutine; Start is a no-op.
	CallerThread ExecPolicy = iota
	// DedicatedThread runs the recv-step-route loop on a goroutine spawned
	// by Start; HandleMsg posts to the channel via the droppable Send path.
	DedicatedThread
)

// Host is the minimal surface a Stage needs from an FSM host: step on a
// message and drain the outputs it produced.
type Host[M any, O any] interface {
	SendMsg(M)
	TakeOutputs() []O
}

// ctl is the sentinel control message type a Stage recognizes as a request
// to drain and stop. It is delivered via the channel's SendCtl path so it
// is never silently dropped.
type ctl[M any] struct {
	shutdown bool
	msg      M
	isData   bool
}

// Stage binds a Channel to an FSM Host and, once Start'd (for
// DedicatedThread) or driven via HandleMsg (for CallerThread), runs:
//
//	forever: msg <- channel.Recv(); outputs <- fsm.step(msg); route(outputs)
//
// Output envelopes are routed to peer stages through a routing table
// supplied at construction; unknown destinations are logged and dropped —
// non-fatal, per spec.md §4.G.
type Stage[M any, O any] struct {
	name    string
	policy  ExecPolicy
	ch      *channel.Channel[ctl[M]]
	sender  *channel.MsgSender[ctl[M]]
	host    Host[M, O]
	route   map[string]EnvelopeSender[O]
	toEnv   func(O) (envelope.Envelope, bool)
	log     logrus.FieldLogger
	done    chan struct{}
}

// EnvelopeSender is the subset of channel.MsgSender a Stage's routing table
// needs: enough to forward a routed output to a peer stage's channel.
type EnvelopeSender[O any] interface {
	Send(O) error
	SendCtl(O)
}

// New constructs a Stage named name, bound to host, running under policy,
// with channel capacity/admission determined by ch (construct with
// channel.NewBounded or channel.NewHeuristic over ctl[M] — callers
// typically don't build ctl[M] channels directly; use NewBoundedChannel).
// toEnv extracts a routable Envelope from an Output, returning ok=false for
// outputs that aren't meant to be routed (eg purely observational outputs).
func New[M any, O any](
	name string,
	policy ExecPolicy,
	ch *channel.Channel[ctl[M]],
	host Host[M, O],
	route map[string]EnvelopeSender[O],
	toEnv func(O) (envelope.Envelope, bool),
) *Stage[M, O] {
	return &Stage[M, O]{
		name:   name,
		policy: policy,
		ch:     ch,
		sender: ch.Sender(),
		host:   host,
		route:  route,
		toEnv:  toEnv,
		log:    logrus.StandardLogger(),
		done:   make(chan struct{}),
	}
}

// NewBoundedChannel is the constructor a caller uses to build the Channel a
// Stage needs, keeping the ctl[M] wrapper type private to this package.
func NewBoundedChannel[M any](name string, capacity int) *channel.Channel[ctl[M]] {
	return channel.NewBounded[ctl[M]](name, capacity)
}

// NewHeuristicChannel is the heuristic-admission counterpart to
// NewBoundedChannel.
func NewHeuristicChannel[M any](name string, admit channel.AdmitFunc) *channel.Channel[ctl[M]] {
	return channel.NewHeuristic[ctl[M]](name, admit)
}

// WithLogger overrides the logger used for dropped-destination warnings.
func (s *Stage[M, O]) WithLogger(l logrus.FieldLogger) *Stage[M, O] {
	s.log = l
	return s
}

// Sender returns a handle for posting data messages to this Stage's
// channel. Used by peer stages' routing tables and by external producers.
// Each call clones a new channel sender (cheap, per spec.md §3); release it
// with Close when the caller is done routing to this Stage.
func (s *Stage[M, O]) Sender() EnvelopeSender[M] {
	return &dataSender[M]{sender: s.ch.Sender()}
}

// dataSender adapts a channel.MsgSender[ctl[M]] to EnvelopeSender[M] so
// peer stages can route to this Stage without knowing about ctl[M].
type dataSender[M any] struct {
	sender *channel.MsgSender[ctl[M]]
}

func (d *dataSender[M]) Send(m M) error {
	return d.sender.Send(ctl[M]{msg: m, isData: true})
}
func (d *dataSender[M]) SendCtl(m M) {
	d.sender.SendCtl(ctl[M]{msg: m, isData: true})
}

// Close releases the cloned channel sender.
func (d *dataSender[M]) Close() {
	d.sender.Close()
}

// HandleMsg dispatches msg according to policy: synchronously for
// CallerThread, or by posting it to the channel's droppable path for
// DedicatedThread (where Start's loop will pick it up).
func (s *Stage[M, O]) HandleMsg(msg M) error {
	switch s.policy {
	case CallerThread:
		s.step(msg)
		return nil
	default:
		return s.sender.Send(ctl[M]{msg: msg, isData: true})
	}
}

// Start runs the recv/step/route loop on a new goroutine. It is a no-op
// under CallerThread, where HandleMsg drives steps directly. Start returns
// immediately; use Stopped to observe loop exit.
func (s *Stage[M, O]) Start(ctx context.Context) {
	if s.policy != DedicatedThread {
		return
	}
	go s.loop(ctx)
}

func (s *Stage[M, O]) loop(ctx context.Context) {
	defer close(s.done)
	var tctx, finish = xtrace.NewContext(ctx, "stage", s.name)
	defer finish()

	for {
		var m, err = s.ch.Recv()
		if err != nil {
			xtrace.Errorf(tctx, "stage %s: channel closed: %v", s.name, err)
			return
		}
		if m.shutdown {
			xtrace.Printf(tctx, "stage %s: shutdown sentinel observed, draining", s.name)
			s.drainNonControl()
			return
		}
		s.step(m.msg)
	}
}

// drainNonControl consumes any remaining non-blocking-available messages
// before the loop exits, per spec.md §4.G's shutdown contract ("the stage
// drains pending non-control messages first, then exits").
func (s *Stage[M, O]) drainNonControl() {
	for {
		var m, ok, err = s.ch.TryRecv()
		if err != nil || !ok {
			return
		}
		if !m.shutdown {
			s.step(m.msg)
		}
	}
}

func (s *Stage[M, O]) step(msg M) {
	s.host.SendMsg(msg)
	for _, out := range s.host.TakeOutputs() {
		s.routeOne(out)
	}
}

func (s *Stage[M, O]) routeOne(out O) {
	if s.toEnv == nil {
		return
	}
	var env, ok = s.toEnv(out)
	if !ok {
		return
	}
	var dest, found = s.route[env.Destination]
	if !found {
		s.log.WithField("destination", env.Destination).WithField("stage", s.name).
			Warn("stage: dropping output addressed to unknown destination")
		return
	}
	// Routed outputs travel the droppable path: a peer stage applying
	// back-pressure should shed load here rather than block the producer.
	if err := dest.Send(out); err != nil {
		s.log.WithField("destination", env.Destination).WithField("stage", s.name).
			WithError(err).Warn("stage: output dropped, destination queue full")
	}
}

// Shutdown delivers the sentinel control message via the non-droppable
// control path, so it is never lost to back-pressure. Stopped returns a
// channel which closes once the loop has drained and exited (DedicatedThread
// only; under CallerThread, Shutdown has no loop to stop).
func (s *Stage[M, O]) Shutdown() {
	s.sender.SendCtl(ctl[M]{shutdown: true})
}

// Stopped returns a channel that's closed once a DedicatedThread Stage's
// loop has exited. For CallerThread stages it is already closed.
func (s *Stage[M, O]) Stopped() <-chan struct{} {
	if s.policy == CallerThread {
		var c = make(chan struct{})
		close(c)
		return c
	}
	return s.done
}

// Close releases this Stage's channel sender handle.
func (s *Stage[M, O]) Close() {
	s.sender.Close()
}
