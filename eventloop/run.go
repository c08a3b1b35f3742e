package eventloop

import (
	"context"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fsmstage/core/internal/xtrace"
)

// Run drives the reactor until a Stop message is processed or EpollWait
// fails with an error other than EINTR. It blocks the calling goroutine; callers run it with `go
// loop.Run()`. All registration is edge-triggered, one-shot: after every
// ready event the loop re-registers the socket for whichever readiness
// directions it still wants (spec.md §4.H).
func (l *Loop) Run() {
	var tctx, finish = xtrace.NewContext(context.Background(), "eventloop", l.addr)
	l.traceCtx = tctx
	defer finish()
	defer close(l.stopped)
	defer l.closeAll()

	var events = make([]unix.EpollEvent, l.maxEvents)

	for {
		select {
		case msg := <-l.inbox:
			if l.handleInbound(msg) {
				return
			}
		default:
		}

		var n, err = unix.EpollWait(l.epfd, events, int(l.pollEvery/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.WithError(err).Error("eventloop: EpollWait failed")
			return
		}

		for i := 0; i < n; i++ {
			l.handleReady(events[i])
		}

		l.sweepTimers()

		// Drain any inbound messages that arrived while we were blocked in
		// EpollWait, before the next wait call.
		for drained := false; !drained; {
			select {
			case msg := <-l.inbox:
				if l.handleInbound(msg) {
					return
				}
			default:
				drained = true
			}
		}
	}
}

func (l *Loop) handleInbound(msg Inbound) (stop bool) {
	switch msg.kind {
	case inConnect:
		l.doConnect(msg.token, msg.addr)
	case inWireMsg:
		l.doWireMsg(msg.token, msg.bytes)
	case inDeregister:
		l.doDeregister(msg.token, nil)
	case inSetTimeout:
		l.mu.Lock()
		l.timers[msg.timerID] = msg.periodMs
		l.mu.Unlock()
	case inCancelTimeout:
		l.mu.Lock()
		delete(l.timers, msg.timerID)
		l.mu.Unlock()
	case inStop:
		return true
	}
	return false
}

func (l *Loop) handleReady(ev unix.EpollEvent) {
	var fd = int(ev.Fd)

	if fd == l.listenFd {
		l.doAccept()
		return
	}

	var tok, c = l.connByFd(fd)
	if c == nil {
		return // Stale event for an already-deregistered fd.
	}

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.doDeregister(tok, io.ErrClosedPipe)
		return
	}
	if ev.Events&unix.EPOLLIN != 0 {
		l.doReadable(tok, c)
	}
	// doReadable may have deregistered c; reload before checking writable.
	if _, c2 := l.connByFd(fd); c2 != nil {
		if ev.Events&unix.EPOLLOUT != 0 {
			l.doWritable(tok, c2)
		}
	}
}

// sweepTimers fires any timer whose period has elapsed since its last
// dispatch. The Loop approximates a real timer wheel with a fixed sweep
// cadence bound to pollEvery, which is adequate for the ±1-tick tolerance
// spec.md §8 specifies. Firing re-arms the same period by simply leaving
// the entry in l.timers; deletion (CancelTimeout) removes future re-arms
// but cannot retract a tick already collected into `due` below — this is
// the "eventually quiet" cancellation semantics spec.md §4.H/§9 documents.
func (l *Loop) sweepTimers() {
	var now = time.Now()

	l.mu.Lock()
	var due []uint64
	for id, period := range l.timers {
		var last, seen = l.lastFire[id]
		if !seen {
			l.lastFire[id] = now
			continue
		}
		if now.Sub(last) >= time.Duration(period)*time.Millisecond {
			due = append(due, id)
			l.lastFire[id] = now
		}
	}
	l.mu.Unlock()

	for _, id := range due {
		if l.metrics != nil {
			l.metrics.LoopTicks.Inc()
		}
		xtrace.Printf(l.traceCtx, "eventloop: timer %d fired", id)
		_ = l.out.Send(Outbound{Kind: Tick, TimerID: id})
	}
}

func (l *Loop) closeAll() {
	l.mu.Lock()
	var toks = make([]Token, 0, len(l.conns))
	for t := range l.conns {
		toks = append(toks, t)
	}
	l.mu.Unlock()

	for _, t := range toks {
		l.doDeregister(t, nil)
	}
	if l.listenFd != -1 {
		_ = unix.Close(l.listenFd)
	}
	_ = unix.Close(l.epfd)
}
