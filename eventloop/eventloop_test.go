package eventloop

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsmstage/core/frame"
)

var errQueueFull = errors.New("eventloop_test: recording sender full")

// recordingSender captures every Outbound notification a Loop emits, so
// tests can assert on accept/message/deregister/tick sequencing without a
// full Stage wired on the other end.
type recordingSender struct {
	out chan Outbound
}

func newRecordingSender() *recordingSender {
	return &recordingSender{out: make(chan Outbound, 64)}
}

func (r *recordingSender) Send(o Outbound) error {
	select {
	case r.out <- o:
		return nil
	default:
		return errQueueFull
	}
}
func (r *recordingSender) SendCtl(o Outbound) {
	r.out <- o
}

func (r *recordingSender) next(t *testing.T) Outbound {
	t.Helper()
	select {
	case o := <-r.out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Outbound notification")
		return Outbound{}
	}
}

func TestAcceptReadWriteRoundTrip(t *testing.T) {
	var sender = newRecordingSender()
	var loop, err = New("127.0.0.1:0", sender, WithPollTimeout(20*time.Millisecond))
	require.NoError(t, err)
	go loop.Run()
	defer func() {
		loop.Post(Stop())
		<-loop.Stopped()
	}()

	var conn, dialErr = net.Dial("tcp", loop.Addr())
	require.NoError(t, dialErr)
	defer conn.Close()

	var accepted = sender.next(t)
	require.Equal(t, NewSock, accepted.Kind)

	loop.Post(WireMsg(accepted.Token, []byte("hello")))

	var rs = frame.NewReadState(0)
	var payload, outcome, readErr = rs.Read(conn)
	require.NoError(t, readErr)
	require.Equal(t, frame.Complete, outcome)
	assert.Equal(t, "hello", string(payload))

	var ws = frame.NewWriteState()
	ws.Push([]byte("world"))
	_, writeErr := ws.Write(conn)
	require.NoError(t, writeErr)

	var msg = sender.next(t)
	require.Equal(t, TcpMsg, msg.Kind)
	assert.Equal(t, "world", string(msg.Bytes))
}

func TestDeregisterOnPeerClose(t *testing.T) {
	var sender = newRecordingSender()
	var loop, err = New("127.0.0.1:0", sender, WithPollTimeout(20*time.Millisecond))
	require.NoError(t, err)
	go loop.Run()
	defer func() {
		loop.Post(Stop())
		<-loop.Stopped()
	}()

	var conn, dialErr = net.Dial("tcp", loop.Addr())
	require.NoError(t, dialErr)

	_ = sender.next(t) // NewSock
	require.NoError(t, conn.Close())

	var dereg = sender.next(t)
	assert.Equal(t, OutDeregister, dereg.Kind)
}

func TestTimerFiresPeriodically(t *testing.T) {
	var sender = newRecordingSender()
	var loop, err = New("", sender, WithPollTimeout(10*time.Millisecond))
	require.NoError(t, err)
	go loop.Run()
	defer func() {
		loop.Post(Stop())
		<-loop.Stopped()
	}()

	loop.Post(SetTimeout(1, 15*time.Millisecond))

	var first = sender.next(t)
	require.Equal(t, Tick, first.Kind)
	assert.Equal(t, uint64(1), first.TimerID)

	var second = sender.next(t)
	assert.Equal(t, Tick, second.Kind)

	loop.Post(CancelTimeout(1))
}
