package eventloop

import (
	"io"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/fsmstage/core/frame"
	"github.com/fsmstage/core/internal/xtrace"
)

// sockaddrFromTCP converts a resolved *net.TCPAddr into the unix.Sockaddr
// shape Bind/Connect expect, choosing the 4- or 16-byte family by the
// length of the resolved IP.
func sockaddrFromTCP(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa = &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	var sa = &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

// fdReader adapts a raw non-blocking fd to io.Reader under frame.ReadState's
// contract: EAGAIN becomes (0, nil) ("no more bytes available right now"),
// and a zero-length read becomes io.EOF (peer closed).
type fdReader struct{ fd int }

func (r fdReader) Read(p []byte) (int, error) {
	var n, err = unix.Read(r.fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// fdWriter adapts a raw non-blocking fd to io.Writer under
// frame.WriteState's contract: EAGAIN becomes (0, nil), which
// frame.WriteState.Write treats as back-pressure rather than success.
type fdWriter struct{ fd int }

func (w fdWriter) Write(p []byte) (int, error) {
	var n, err = unix.Write(w.fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// epollCtl arms fd for the requested directions, edge-triggered and
// one-shot. Every readiness event consumes the registration; callers must
// call epollCtl again (op EPOLL_CTL_MOD) before the next event can fire for
// that fd.
func (l *Loop) epollCtl(op int, fd int, wantRead, wantWrite bool) error {
	var events uint32 = unix.EPOLLONESHOT | unix.EPOLLET
	if wantRead {
		events |= unix.EPOLLIN
	}
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	var ev = unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, op, fd, &ev)
}

func (l *Loop) rearm(fd int, wantRead, wantWrite bool) error {
	return l.epollCtl(unix.EPOLL_CTL_MOD, fd, wantRead, wantWrite)
}

func (l *Loop) nextToken() Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTok++
	return Token(l.nextTok)
}

func (l *Loop) connByFd(fd int) (Token, *connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var tok, ok = l.byFd[fd]
	if !ok {
		return 0, nil
	}
	return tok, l.conns[tok]
}

func (l *Loop) connByToken(tok Token) *connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[tok]
}

func (l *Loop) addConn(tok Token, c *connection) {
	l.mu.Lock()
	l.conns[tok] = c
	l.byFd[c.fd] = tok
	l.mu.Unlock()
}

// doAccept drains the listen backlog until EAGAIN. Each accepted socket is
// registered read-only one-shot and announced via the droppable Send path
// (not SendCtl): if the application's inbound queue is already full, the
// Send fails and the connection is dropped immediately rather than queued —
// this is the accept-path back-pressure spec.md §4.H requires, and is a
// deliberate exception to the rest of the Outbound table's non-droppable
// control path.
//
// The listen fd is one-shot like every other registration, so it must be
// re-armed before returning — otherwise the listener would stop delivering
// readiness events after the very first accept wake.
func (l *Loop) doAccept() {
	defer func() {
		if err := l.rearm(l.listenFd, true, false); err != nil {
			l.log.WithError(err).Error("eventloop: failed to re-arm listen fd")
		}
	}()

	for {
		var fd, _, err = unix.Accept4(l.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			l.log.WithError(err).Warn("eventloop: accept failed")
			return
		}

		var tok = l.nextToken()
		var c = &connection{
			fd:       fd,
			state:    Established,
			rs:       frame.NewReadState(l.maxFrame),
			ws:       frame.NewWriteState(),
			wantRead: true,
			debugID:  uuid.New(),
		}
		l.addConn(tok, c)

		if err := l.epollCtl(unix.EPOLL_CTL_ADD, fd, true, false); err != nil {
			l.log.WithError(err).Warn("eventloop: register accepted fd failed")
			l.doDeregister(tok, err)
			continue
		}

		if l.metrics != nil {
			l.metrics.LoopAccepts.Inc()
		}

		if err := l.out.Send(Outbound{Kind: NewSock, Token: tok}); err != nil {
			xtrace.Printf(l.traceCtx, "eventloop: dropping accepted connection %d, app queue full", tok)
			l.doDeregister(tok, err)
			continue
		}
		xtrace.Printf(l.traceCtx, "eventloop: accepted connection %d (%s)", tok, c.debugID)
	}
}

// doConnect initiates a non-blocking outbound connection under token. A
// connection that doesn't complete synchronously is left Connecting and
// registered for write-readiness, which doWritable uses to detect
// completion (spec.md §4.H).
func (l *Loop) doConnect(tok Token, addr string) {
	var tcpAddr, err = net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		l.out.SendCtl(Outbound{Kind: OutDeregister, Token: tok, Err: err})
		return
	}
	var domain = unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	var fd int
	if fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0); err != nil {
		l.out.SendCtl(Outbound{Kind: OutDeregister, Token: tok, Err: err})
		return
	}

	var c = &connection{
		fd:      fd,
		state:   Connecting,
		rs:      frame.NewReadState(l.maxFrame),
		ws:      frame.NewWriteState(),
		debugID: uuid.New(),
	}

	err = unix.Connect(fd, sockaddrFromTCP(tcpAddr))
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		l.out.SendCtl(Outbound{Kind: OutDeregister, Token: tok, Err: err})
		return
	}

	l.addConn(tok, c)
	c.wantWrite = true
	// Register for write-readiness even if Connect returned nil (a
	// synchronous loopback connect): doWritable's Connecting branch is the
	// single place that confirms completion via SO_ERROR and emits NewSock.
	if regErr := l.epollCtl(unix.EPOLL_CTL_ADD, fd, false, true); regErr != nil {
		l.doDeregister(tok, regErr)
	}
}

// doWireMsg appends bytes as a new framed message onto token's write-state
// and attempts to flush immediately; any remainder is picked up by
// write-readiness.
func (l *Loop) doWireMsg(tok Token, bytes []byte) {
	var c = l.connByToken(tok)
	if c == nil {
		return // Stale: already deregistered.
	}
	c.ws.Push(bytes)

	var moreToDo, err = c.ws.Write(fdWriter{fd: c.fd})
	if err != nil {
		l.doDeregister(tok, err)
		return
	}
	c.wantWrite = moreToDo
	if rErr := l.rearm(c.fd, true, moreToDo); rErr != nil {
		l.doDeregister(tok, rErr)
	}
}

// doReadable drains every complete frame currently available on c, emitting
// one TcpMsg per frame via the droppable data path, then re-arms for the
// next edge.
func (l *Loop) doReadable(tok Token, c *connection) {
	var reader = fdReader{fd: c.fd}
	for {
		var bytes, outcome, err = c.rs.Read(reader)
		switch outcome {
		case frame.NoMessageYet:
			if rErr := l.rearm(c.fd, true, c.wantWrite); rErr != nil {
				l.doDeregister(tok, rErr)
			}
			return
		case frame.Complete:
			if l.metrics != nil {
				l.metrics.LoopReads.Inc()
			}
			if sendErr := l.out.Send(Outbound{Kind: TcpMsg, Token: tok, Bytes: bytes}); sendErr != nil {
				xtrace.Printf(l.traceCtx, "eventloop: dropping inbound message for %d, app queue full", tok)
			}
			// Loop again: more than one frame may already be buffered.
		case frame.EOF:
			l.doDeregister(tok, io.EOF)
			return
		case frame.Err:
			l.doDeregister(tok, err)
			return
		}
	}
}

// doWritable handles both connect-completion (Connecting) and ordinary
// write-readiness (Established).
func (l *Loop) doWritable(tok Token, c *connection) {
	if c.state == Connecting {
		var errno, err = unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			l.doDeregister(tok, err)
			return
		}
		if errno != 0 {
			l.doDeregister(tok, unix.Errno(errno))
			return
		}
		c.state = Established
		c.wantRead = true
		c.wantWrite = c.ws.Pending()
		if rErr := l.rearm(c.fd, c.wantRead, c.wantWrite); rErr != nil {
			l.doDeregister(tok, rErr)
			return
		}
		xtrace.Printf(l.traceCtx, "eventloop: connection %d established (%s)", tok, c.debugID)
		l.out.SendCtl(Outbound{Kind: NewSock, Token: tok})
		return
	}

	var moreToDo, err = c.ws.Write(fdWriter{fd: c.fd})
	if err != nil {
		l.doDeregister(tok, err)
		return
	}
	if l.metrics != nil && !moreToDo {
		l.metrics.LoopWrites.Inc()
	}
	c.wantWrite = moreToDo
	if rErr := l.rearm(c.fd, true, moreToDo); rErr != nil {
		l.doDeregister(tok, rErr)
	}
}

// doDeregister removes token's connection, if any, closes its fd, and
// announces removal via the non-droppable control path so the application
// never silently loses track of a dead connection.
func (l *Loop) doDeregister(tok Token, cause error) {
	l.mu.Lock()
	var c, ok = l.conns[tok]
	if ok {
		delete(l.conns, tok)
		delete(l.byFd, c.fd)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	_ = unix.Close(c.fd)

	if l.metrics != nil {
		var reason = "closed"
		if cause != nil {
			reason = "error"
		}
		l.metrics.LoopDeregister.WithLabelValues(reason).Inc()
	}

	xtrace.Printf(l.traceCtx, "eventloop: connection %d (%s) deregistered: %v", tok, c.debugID, cause)
	l.out.SendCtl(Outbound{Kind: OutDeregister, Token: tok, Err: cause})
}
