package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsmstage/core/envelope"
	"github.com/fsmstage/core/fsm"
)

var errRoutedFull = errors.New("stage_test: routed sender full")

type echoCtx struct{ Last string }

type echoMsg struct{ Text string }

var echoState = fsm.StateFn[echoCtx, echoMsg, envelope.Envelope]{Name: "echoing", Step: stepEcho}

func stepEcho(ctx *echoCtx, msg echoMsg) (fsm.StateFn[echoCtx, echoMsg, envelope.Envelope], []envelope.Envelope) {
	ctx.Last = msg.Text
	return echoState, []envelope.Envelope{envelope.New("peer", msg.Text)}
}

func newEchoHost() *fsm.Inline[echoCtx, echoMsg, envelope.Envelope] {
	return fsm.NewInline(fsm.New("echo", echoState, echoCtx{}))
}

// recordingSender captures every envelope routed to it, standing in for a
// peer stage's Sender() in tests that only care about routing, not a real
// FSM on the other end.
type recordingSender struct {
	received []envelope.Envelope
	full     bool
}

func (r *recordingSender) Send(e envelope.Envelope) error {
	if r.full {
		return errRoutedFull
	}
	r.received = append(r.received, e)
	return nil
}
func (r *recordingSender) SendCtl(e envelope.Envelope) {
	r.received = append(r.received, e)
}

func TestCallerThreadRoutesSynchronously(t *testing.T) {
	var peer = &recordingSender{}
	var s = New[echoMsg, envelope.Envelope](
		"echo", CallerThread,
		NewBoundedChannel[echoMsg]("echo", 4),
		newEchoHost(),
		map[string]EnvelopeSender[envelope.Envelope]{"peer": peer},
		func(e envelope.Envelope) (envelope.Envelope, bool) { return e, true },
	)

	require.NoError(t, s.HandleMsg(echoMsg{Text: "hi"}))
	require.Len(t, peer.received, 1)
	assert.Equal(t, "hi", peer.received[0].Payload)
}

func TestUnknownDestinationDroppedNotFatal(t *testing.T) {
	var s = New[echoMsg, envelope.Envelope](
		"echo", CallerThread,
		NewBoundedChannel[echoMsg]("echo", 4),
		newEchoHost(),
		nil, // No routing table entries at all.
		func(e envelope.Envelope) (envelope.Envelope, bool) { return e, true },
	)

	require.NoError(t, s.HandleMsg(echoMsg{Text: "hi"}))
}

func TestDedicatedThreadDrivesLoop(t *testing.T) {
	var peer = &recordingSender{}
	var s = New[echoMsg, envelope.Envelope](
		"echo", DedicatedThread,
		NewBoundedChannel[echoMsg]("echo", 4),
		newEchoHost(),
		map[string]EnvelopeSender[envelope.Envelope]{"peer": peer},
		func(e envelope.Envelope) (envelope.Envelope, bool) { return e, true },
	)
	defer s.Close()

	s.Start(context.Background())
	require.NoError(t, s.HandleMsg(echoMsg{Text: "hello"}))

	require.Eventually(t, func() bool {
		return len(peer.received) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", peer.received[0].Payload)
}

func TestShutdownDrainsPendingThenStops(t *testing.T) {
	var peer = &recordingSender{}
	var s = New[echoMsg, envelope.Envelope](
		"echo", DedicatedThread,
		NewBoundedChannel[echoMsg]("echo", 8),
		newEchoHost(),
		map[string]EnvelopeSender[envelope.Envelope]{"peer": peer},
		func(e envelope.Envelope) (envelope.Envelope, bool) { return e, true },
	)
	defer s.Close()

	s.Start(context.Background())

	require.NoError(t, s.HandleMsg(echoMsg{Text: "one"}))
	require.NoError(t, s.HandleMsg(echoMsg{Text: "two"}))
	s.Shutdown()

	select {
	case <-s.Stopped():
	case <-time.After(time.Second):
		t.Fatal("stage did not stop after Shutdown")
	}

	assert.Len(t, peer.received, 2, "pending messages must be drained before the loop exits")
}

func TestCallerThreadStoppedIsAlreadyClosed(t *testing.T) {
	var s = New[echoMsg, envelope.Envelope](
		"echo", CallerThread,
		NewBoundedChannel[echoMsg]("echo", 1),
		newEchoHost(), nil, nil,
	)
	select {
	case <-s.Stopped():
	default:
		t.Fatal("CallerThread Stage's Stopped channel must already be closed")
	}
}
