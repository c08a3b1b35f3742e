// Package eventloop implements the non-blocking TCP I/O boundary specified
// by spec.md §4.H: a single-threaded, edge-triggered, one-shot epoll
// reactor owning a listening socket, a monotonic token counter, a
// token->Connection map, and a timer_id->period map.
//
// The reactor is the outer I/O boundary feeding framed messages into
// Stages (package stage) via Channel senders (package channel); it has no
// gazette-specific analogue in the teacher (which has no raw reactor of its
// own) and is grounded instead in the rest of the retrieval pack's
// golang.org/x/sys/unix epoll idiom (eg the fd-indexed poller shape in
// joeycumines-go-utilpkg's eventloop variants) plus
// _examples/hayabusa-cloud-framer for the non-blocking framing primitives
// it drives.
package eventloop

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsmstage/core/frame"
	"github.com/fsmstage/core/internal/metrics"
)

// Token identifies a Connection. Tokens are assigned monotonically and
// never reused within a Loop's lifetime.
type Token uint64

// ConnState is the per-connection lifecycle state (spec.md §4.H).
type ConnState uint8

const (
	Connecting ConnState = iota
	Established
	Closed
)

// Inbound is the sum of messages the application may post to the Loop
// (spec.md §4.H's inbound table).
type Inbound struct {
	kind     inboundKind
	token    Token
	addr     string
	bytes    []byte
	timerID  uint64
	periodMs uint64
}

type inboundKind uint8

const (
	inConnect inboundKind = iota
	inWireMsg
	inDeregister
	inSetTimeout
	inCancelTimeout
	inStop
)

// Connect requests that the Loop initiate an outbound TCP connection to
// addr, registering it under token on success.
func Connect(token Token, addr string) Inbound {
	return Inbound{kind: inConnect, token: token, addr: addr}
}

// WireMsg appends bytes as one framed message onto token's write-state.
func WireMsg(token Token, bytes []byte) Inbound {
	return Inbound{kind: inWireMsg, token: token, bytes: bytes}
}

// Deregister requests removal of token's connection.
func Deregister(token Token) Inbound {
	return Inbound{kind: inDeregister, token: token}
}

// SetTimeout arms a periodic timer identified by id.
func SetTimeout(id uint64, period time.Duration) Inbound {
	return Inbound{kind: inSetTimeout, timerID: id, periodMs: uint64(period.Milliseconds())}
}

// CancelTimeout removes timer id. A tick already in transit may still be
// observed (spec.md §4.H: "eventually quiet").
func CancelTimeout(id uint64) Inbound {
	return Inbound{kind: inCancelTimeout, timerID: id}
}

// Stop shuts the Loop down, deregistering all connections.
func Stop() Inbound { return Inbound{kind: inStop} }

// OutboundKind classifies an Outbound notification.
type OutboundKind uint8

const (
	NewSock OutboundKind = iota
	TcpMsg
	OutDeregister
	Tick
)

// Outbound is a notification the Loop sends to the application. OutDeregister
// always travels the non-droppable control path, so the application never
// silently loses track of a dead connection. TcpMsg and Tick travel the
// droppable data path. NewSock is droppable too, but only on the accept
// path: a full application queue there means the accepted connection itself
// is dropped (spec.md §4.H's accept-path back-pressure), not merely the
// notification — doConnect's NewSock, by contrast, reports an outbound
// connection the application already committed to, so it is not subject to
// this back-pressure.
type Outbound struct {
	Kind    OutboundKind
	Token   Token
	Bytes   []byte
	TimerID uint64
	Err     error
}

// Sender is the minimal surface eventloop needs to deliver Outbound
// notifications — satisfied by channel.MsgSender[Outbound].
type Sender interface {
	Send(Outbound) error
	SendCtl(Outbound)
}

type connection struct {
	fd        int
	state     ConnState
	rs        *frame.ReadState
	ws        *frame.WriteState
	wantRead  bool
	wantWrite bool

	// debugID identifies this connection in log and trace output across its
	// whole lifetime, independent of Token reuse concerns — Token is never
	// reused, but a fresh random ID still makes grepping one connection's
	// lifecycle out of a busy log trivial without cross-referencing a map.
	// It plays no role in routing or the token->connection lookup.
	debugID uuid.UUID
}

// Loop is the single-threaded epoll reactor. Construct with New, drive
// inbound messages with Post, and run it on a dedicated goroutine with Run.
type Loop struct {
	epfd     int
	listenFd int
	addr     string

	maxEvents int
	pollEvery time.Duration
	maxFrame  uint32

	mu       sync.Mutex
	conns    map[Token]*connection
	byFd     map[int]Token
	timers   map[uint64]uint64    // id -> period ms
	lastFire map[uint64]time.Time // id -> last tick dispatch time
	nextTok  uint64

	inbox   chan Inbound
	out     Sender
	log     logrus.FieldLogger
	metrics *metrics.Set

	traceCtx context.Context
	stopped  chan struct{}
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithMaxEvents overrides the EpollWait batch size (default 256).
func WithMaxEvents(n int) Option { return func(l *Loop) { l.maxEvents = n } }

// WithPollTimeout overrides the EpollWait timeout, which also bounds timer
// re-arm latency (default 250ms).
func WithPollTimeout(d time.Duration) Option { return func(l *Loop) { l.pollEvery = d } }

// WithMaxFrameLength overrides the accepted frame payload cap (spec.md §9).
func WithMaxFrameLength(n uint32) Option { return func(l *Loop) { l.maxFrame = n } }

// WithLogger overrides the logger used for lifecycle and error events.
func WithLogger(lg logrus.FieldLogger) Option { return func(l *Loop) { l.log = lg } }

// WithMetrics attaches a metrics.Set for accept/read/write/timer counters.
func WithMetrics(m *metrics.Set) Option { return func(l *Loop) { l.metrics = m } }

// New binds a listening socket at addr and returns a Loop that will deliver
// Outbound notifications to out once Run. addr of "" disables the listener
// (outbound-only use, eg for a loop that only initiates Connect calls).
func New(addr string, out Sender, opts ...Option) (*Loop, error) {
	var l = &Loop{
		addr:      addr,
		maxEvents: 256,
		pollEvery: 250 * time.Millisecond,
		maxFrame:  frame.DefaultMaxLength,
		conns:     map[Token]*connection{},
		byFd:      map[int]Token{},
		timers:    map[uint64]uint64{},
		lastFire:  map[uint64]time.Time{},
		inbox:     make(chan Inbound, 256),
		out:       out,
		log:       logrus.StandardLogger(),
		traceCtx:  context.Background(),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	var epfd, err = unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.WithMessage(err, "eventloop: EpollCreate1")
	}
	l.epfd = epfd
	l.listenFd = -1

	if addr != "" {
		if err := l.listen(addr); err != nil {
			_ = unix.Close(epfd)
			return nil, err
		}
	}
	return l, nil
}

func (l *Loop) listen(addr string) error {
	var tcpAddr, err = net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return errors.WithMessage(err, "eventloop: ResolveTCPAddr")
	}
	var domain = unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	var fd int
	if fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0); err != nil {
		return errors.WithMessage(err, "eventloop: Socket")
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa = sockaddrFromTCP(tcpAddr)
	if err = unix.Bind(fd, sa); err != nil {
		return errors.WithMessage(err, "eventloop: Bind")
	}
	if err = unix.Listen(fd, 1024); err != nil {
		return errors.WithMessage(err, "eventloop: Listen")
	}
	l.listenFd = fd
	return l.epollCtl(unix.EPOLL_CTL_ADD, fd, true, false)
}

// Addr returns the address the listening socket is actually bound to, which
// differs from the addr passed to New whenever that addr's port was 0.
// Returns "" if New was called without a listen address.
func (l *Loop) Addr() string {
	if l.listenFd == -1 {
		return ""
	}
	var sa, err = unix.Getsockname(l.listenFd)
	if err != nil {
		return ""
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), itoa(a.Port))
	default:
		return ""
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// Post enqueues an Inbound message for the Loop's next iteration. Post
// itself may be called from any goroutine.
func (l *Loop) Post(msg Inbound) {
	l.inbox <- msg
}

// Stopped returns a channel closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }
