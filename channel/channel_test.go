package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedFIFOOrderAndFull(t *testing.T) {
	var ch = NewBounded[int]("test", 2)
	var sender = ch.Sender()

	require.NoError(t, sender.Send(1))
	require.NoError(t, sender.Send(2))
	assert.ErrorIs(t, sender.Send(3), ErrFull)

	var m1, err1 = ch.Recv()
	require.NoError(t, err1)
	assert.Equal(t, 1, m1)

	var m2, err2 = ch.Recv()
	require.NoError(t, err2)
	assert.Equal(t, 2, m2)
}

func TestSendCtlBypassesCapacity(t *testing.T) {
	var ch = NewBounded[int]("test", 1)
	var sender = ch.Sender()

	require.NoError(t, sender.Send(1))
	sender.SendCtl(2) // Queue is already at capacity; SendCtl must not be refused.
	sender.SendCtl(3)

	assert.Equal(t, 3, ch.Len())
}

func TestClosesOnceAllSendersReleased(t *testing.T) {
	var ch = NewBounded[int]("test", 4)
	var s1 = ch.Sender()
	var s2 = s1.Clone()

	s1.Close()
	s2.Close()

	var _, err = ch.Recv()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecvBlocksUntilSend(t *testing.T) {
	var ch = NewBounded[int]("test", 4)
	var sender = ch.Sender()

	var got = make(chan int, 1)
	go func() {
		var m, err = ch.Recv()
		require.NoError(t, err)
		got <- m
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sender.Send(42))

	select {
	case m := <-got:
		assert.Equal(t, 42, m)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Send")
	}
}

func TestTryRecvDistinguishesEmptyFromClosed(t *testing.T) {
	var ch = NewBounded[int]("test", 1)
	var sender = ch.Sender()

	var _, ok, err = ch.TryRecv()
	assert.False(t, ok)
	assert.NoError(t, err)

	sender.Close()
	_, ok, err = ch.TryRecv()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeuristicAdmission(t *testing.T) {
	var admit = true
	var ch = NewHeuristic[int]("test", func() bool { return admit })
	var sender = ch.Sender()

	require.NoError(t, sender.Send(1))
	admit = false
	assert.ErrorIs(t, sender.Send(2), ErrFull)
}

func TestSampleEveryAmortizesAdmitCalls(t *testing.T) {
	var calls int
	var admit = SampleEvery(3, func() bool {
		calls++
		return true
	})

	for i := 0; i < 7; i++ {
		admit()
	}
	assert.Equal(t, 3, calls, "admit() should only run on every 3rd call")
}

func TestSampleEveryKOneIsPassthrough(t *testing.T) {
	var calls int
	var admit = SampleEvery(1, func() bool {
		calls++
		return true
	})
	admit()
	admit()
	assert.Equal(t, 2, calls)
}
