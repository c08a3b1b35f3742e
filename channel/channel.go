// Package channel implements the bounded and heuristic FIFO message
// channels specified by spec.md §3/§4.B: a typed queue exposing a cloneable
// MsgSender with two admission paths — droppable Send and non-droppable
// SendCtl — and blocking/non-blocking receive.
package channel

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"

	"github.com/fsmstage/core/internal/metrics"
)

// ErrFull is returned by Send when the channel's admission policy refuses
// the message.
var ErrFull = errors.New("channel: full")

// ErrClosed is returned by Recv/TryRecv once all senders are gone and the
// queue has drained — spec.md §7's ChannelClosed, fatal to the consumer.
var ErrClosed = errors.New("channel: closed, no senders remain")

// AdmitFunc gates admission for the heuristic FIFO. It is expected to be
// cheap; implementations that aren't should wrap themselves in SampleEvery.
type AdmitFunc func() bool

// Channel is a bounded FIFO of messages of type M. The zero value is not
// usable; construct with NewBounded or NewHeuristic.
type Channel[M any] struct {
	name string
	mu   sync.Mutex
	cond *sync.Cond
	q    *list.List // of M

	capacity int       // >0 for bounded; 0 for heuristic.
	admit    AdmitFunc // non-nil for heuristic.
	senders  int        // live MsgSender handles cloned from this Channel.
	closed   bool

	metrics *metrics.Set
}

// NewBounded returns a Channel with a fixed capacity. Send returns ErrFull
// once the queue holds capacity messages; SendCtl ignores the bound.
func NewBounded[M any](name string, capacity int) *Channel[M] {
	if capacity <= 0 {
		panic("channel: bounded capacity must be > 0")
	}
	var c = &Channel[M]{name: name, q: list.New(), capacity: capacity}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NewHeuristic returns a Channel backed by an unbounded queue gated by
// admit(). Send consults admit() on every call and enqueues or returns
// ErrFull; SendCtl bypasses admit() entirely. Wrap admit in SampleEvery if
// it is not cheap enough to call on every Send.
func NewHeuristic[M any](name string, admit AdmitFunc) *Channel[M] {
	if admit == nil {
		panic("channel: heuristic admit must not be nil")
	}
	var c = &Channel[M]{name: name, q: list.New(), admit: admit}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// WithMetrics attaches a metrics.Set whose QueueDepth/QueueFull collectors
// are updated as this Channel is used. Optional.
func (c *Channel[M]) WithMetrics(m *metrics.Set) *Channel[M] {
	c.metrics = m
	return c
}

// SampleEvery wraps admit so it is only actually invoked every k calls
// (or on the first call); intervening calls reuse the prior verdict. This
// is the amortization knob spec.md §4.B anticipates for admit() predicates
// that are not cheap (original_source/src/heuristic_channel.rs's default is
// to call admit() every time; SampleEvery is an explicit opt-in decorator,
// never a hidden default).
func SampleEvery(k int, admit AdmitFunc) AdmitFunc {
	if k <= 1 {
		return admit
	}
	var n int
	var last bool
	return func() bool {
		if n%k == 0 {
			last = admit()
		}
		n++
		return last
	}
}

// Sender returns a cloneable handle bound to this Channel.
func (c *Channel[M]) Sender() *MsgSender[M] {
	c.mu.Lock()
	c.senders++
	c.mu.Unlock()
	return &MsgSender[M]{ch: c}
}

// enqueue appends m and wakes one blocked receiver.
func (c *Channel[M]) enqueue(m M) {
	c.q.PushBack(m)
	if c.metrics != nil {
		c.metrics.QueueDepth.WithLabelValues(c.name).Set(float64(c.q.Len()))
	}
	c.cond.Signal()
}

func (c *Channel[M]) send(m M) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.admit != nil {
		if !c.admit() {
			if c.metrics != nil {
				c.metrics.QueueFull.WithLabelValues(c.name).Inc()
			}
			return ErrFull
		}
	} else if c.q.Len() >= c.capacity {
		if c.metrics != nil {
			c.metrics.QueueFull.WithLabelValues(c.name).Inc()
		}
		return ErrFull
	}
	c.enqueue(m)
	return nil
}

func (c *Channel[M]) sendCtl(m M) {
	c.mu.Lock()
	c.enqueue(m)
	c.mu.Unlock()
}

func (c *Channel[M]) releaseSender() {
	c.mu.Lock()
	c.senders--
	if c.senders == 0 {
		c.closed = true
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Recv blocks until a message arrives or every MsgSender cloned from this
// Channel has been released, in which case it returns ErrClosed.
func (c *Channel[M]) Recv() (M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.q.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.q.Len() == 0 {
		var zero M
		return zero, ErrClosed
	}
	var m = c.q.Remove(c.q.Front()).(M)
	if c.metrics != nil {
		c.metrics.QueueDepth.WithLabelValues(c.name).Set(float64(c.q.Len()))
	}
	return m, nil
}

// TryRecv returns immediately: (m, nil) if a message was available, or the
// zero value with ErrFull-shaped semantics inverted — callers distinguish
// "empty, not closed" (ok==false, err==nil) from ErrClosed.
func (c *Channel[M]) TryRecv() (m M, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.q.Len() == 0 {
		if c.closed {
			return m, false, ErrClosed
		}
		return m, false, nil
	}
	m = c.q.Remove(c.q.Front()).(M)
	if c.metrics != nil {
		c.metrics.QueueDepth.WithLabelValues(c.name).Set(float64(c.q.Len()))
	}
	return m, true, nil
}

// Len reports the current queue depth. Racy by nature; intended for
// diagnostics and tests, not control flow.
func (c *Channel[M]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Len()
}

// MsgSender is a cheaply-cloneable handle for sending into a Channel.
type MsgSender[M any] struct {
	ch *Channel[M]
}

// Send is the droppable path: it never blocks, and returns ErrFull when the
// channel's admission policy refuses the message.
func (s *MsgSender[M]) Send(m M) error {
	return s.ch.send(m)
}

// SendCtl is the control path: it bypasses the admission policy entirely so
// lifecycle messages (connect/disconnect, shutdown) are never dropped.
// Within one sender, SendCtl is not reordered relative to earlier Sends,
// but may overtake droppable messages that were refused and never retried.
func (s *MsgSender[M]) SendCtl(m M) {
	s.ch.sendCtl(m)
}

// Clone returns a new handle to the same Channel, incrementing its live
// sender count.
func (s *MsgSender[M]) Clone() *MsgSender[M] {
	return s.ch.Sender()
}

// Close releases this handle. Once every handle cloned from a Channel has
// been Closed, pending Recv calls return ErrClosed.
func (s *MsgSender[M]) Close() {
	s.ch.releaseSender()
}
