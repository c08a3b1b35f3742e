package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var ws = NewWriteState()
	ws.Push([]byte("hello"))
	ws.Push([]byte("world"))

	var wire bytes.Buffer
	var moreToDo, err = ws.Write(&wire)
	require.NoError(t, err)
	assert.False(t, moreToDo)
	assert.False(t, ws.Pending())

	var rs = NewReadState(0)
	var out1, outcome1, err1 = rs.Read(&wire)
	require.NoError(t, err1)
	require.Equal(t, Complete, outcome1)
	assert.Equal(t, []byte("hello"), out1)

	var out2, outcome2, err2 = rs.Read(&wire)
	require.NoError(t, err2)
	require.Equal(t, Complete, outcome2)
	assert.Equal(t, []byte("world"), out2)
}

// chunkedReader returns n bytes per Read call, simulating a non-blocking
// socket that only has a partial header or payload available.
type chunkedReader struct {
	data []byte
	pos  int
	step int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	var n = c.step
	if n > len(p) {
		n = len(p)
	}
	if c.pos+n > len(c.data) {
		n = len(c.data) - c.pos
	}
	copy(p, c.data[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func TestResumesAcrossPartialReads(t *testing.T) {
	var ws = NewWriteState()
	ws.Push([]byte("a message longer than one chunk"))
	var wire bytes.Buffer
	_, _ = ws.Write(&wire)

	var r = &chunkedReader{data: wire.Bytes(), step: 3}
	var rs = NewReadState(0)

	var bytesOut []byte
	var outcome Outcome
	var err error
	for outcome != Complete {
		bytesOut, outcome, err = rs.Read(r)
		require.NoError(t, err)
		if outcome == NoMessageYet {
			t.Fatal("chunkedReader should always have bytes available until exhausted")
		}
	}
	assert.Equal(t, []byte("a message longer than one chunk"), bytesOut)
}

func TestFrameTooLarge(t *testing.T) {
	var ws = NewWriteState()
	ws.Push(make([]byte, 100))
	var wire bytes.Buffer
	_, _ = ws.Write(&wire)

	var rs = NewReadState(10)
	var _, outcome, err = rs.Read(&wire)
	assert.Equal(t, Err, outcome)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCleanEOFBetweenMessages(t *testing.T) {
	var rs = NewReadState(0)
	var _, outcome, err = rs.Read(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, EOF, outcome)
}

func TestUnexpectedEOFMidPayload(t *testing.T) {
	var ws = NewWriteState()
	ws.Push([]byte("hello"))
	var wire bytes.Buffer
	_, _ = ws.Write(&wire)

	var truncated = wire.Bytes()[:len(wire.Bytes())-2]
	var rs = NewReadState(0)
	var _, outcome, err = rs.Read(bytes.NewReader(truncated))
	assert.Equal(t, Err, outcome)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWritePartialProgressLeavesPending(t *testing.T) {
	var ws = NewWriteState()
	ws.Push([]byte("payload"))

	var w = &limitedWriter{limit: 2}
	var moreToDo, err = ws.Write(w)
	require.NoError(t, err)
	assert.True(t, moreToDo, "partial write must leave Pending true")
	assert.True(t, ws.Pending())
}

func TestWriteZeroByteIsBackPressureNotSuccess(t *testing.T) {
	var ws = NewWriteState()
	ws.Push([]byte("payload"))

	var w = &limitedWriter{limit: 0}
	var moreToDo, err = ws.Write(w)
	require.NoError(t, err)
	assert.True(t, moreToDo, "a zero-byte, nil-error write must not be mistaken for completion")
	assert.True(t, ws.Pending())
}

type limitedWriter struct{ limit int }

func (w *limitedWriter) Write(p []byte) (int, error) {
	if len(p) > w.limit {
		return w.limit, nil
	}
	return len(p), nil
}
