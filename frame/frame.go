// Package frame implements the wire framing codec specified by spec.md
// §4.A / §6: a big-endian u32 length prefix followed by exactly that many
// payload bytes. Both the reader and writer sides are resumable across
// partial reads/writes, so a single long-lived ReadState/WriteState can be
// driven incrementally by a non-blocking event loop (see package eventloop)
// without re-allocating or losing partial progress between calls.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// HeaderLen is the fixed size, in bytes, of the length prefix.
const HeaderLen = 4

// DefaultMaxLength is used when a ReadState is constructed with a zero
// maxLength. spec.md §9 requires a configurable cap on the length field to
// bound resource exhaustion; the source left this unbounded, which is
// treated as a bug, not intent.
const DefaultMaxLength = 16 << 20

// ErrFrameTooLarge is returned when a decoded length prefix exceeds the
// configured maximum.
var ErrFrameTooLarge = errors.New("frame: declared length exceeds configured maximum")

// phase names the two steps of resumable frame assembly.
type phase uint8

const (
	phaseHeader phase = iota
	phasePayload
)

// ReadState is the resumable decoder side of the codec. Zero value is not
// ready to use; construct with NewReadState.
type ReadState struct {
	maxLength uint32
	phase     phase
	header    [HeaderLen]byte
	filled    int
	buf       []byte
	need      uint32
}

// NewReadState returns a ReadState ready to decode a fresh message. A zero
// maxLength selects DefaultMaxLength.
func NewReadState(maxLength uint32) *ReadState {
	if maxLength == 0 {
		maxLength = DefaultMaxLength
	}
	return &ReadState{maxLength: maxLength}
}

// Outcome classifies what Read produced.
type Outcome uint8

const (
	// NoMessageYet means the reader had no more bytes to offer; the caller
	// should retry once more data is available.
	NoMessageYet Outcome = iota
	// Complete means a full payload was decoded; ReadState has already
	// reset itself to decode the next message.
	Complete
	// EOF means the reader returned io.EOF with zero bytes read, while no
	// partial message was in flight — a clean peer disconnect.
	EOF
	// Err means the reader returned a non-EOF error, returned io.EOF partway
	// through a message, or an oversized length prefix was seen.
	Err
)

// Read consumes whatever bytes are currently available from r, calling
// r.Read repeatedly until one message completes, r returns zero bytes, or r
// returns an error, and reports the updated Outcome. On Complete, the
// returned []byte is the decoded payload and ReadState has reset to a fresh
// Header phase so the very next call starts assembling a new message.
//
// Read is the resumable half of the contract: it returns NoMessageYet as
// soon as r has nothing more to offer, keeping any partial progress, so a
// caller backed by a non-blocking reader calls Read again once more data is
// ready and can interleave with other readiness sources (see eventloop).
func (s *ReadState) Read(r io.Reader) ([]byte, Outcome, error) {
	for {
		switch s.phase {
		case phaseHeader:
			var n, err = r.Read(s.header[s.filled:])
			if n > 0 {
				s.filled += n
			}
			if err != nil {
				if err == io.EOF && s.filled == 0 {
					return nil, EOF, nil
				}
				return nil, Err, err
			}
			if n == 0 {
				return nil, NoMessageYet, nil
			}
			if s.filled < HeaderLen {
				continue // Partial header; try to read more immediately.
			}
			s.need = binary.BigEndian.Uint32(s.header[:])
			if s.need > s.maxLength {
				return nil, Err, ErrFrameTooLarge
			}
			s.buf = make([]byte, s.need)
			s.filled = 0
			s.phase = phasePayload
			if s.need == 0 {
				s.reset()
				return s.buf, Complete, nil
			}
			continue

		case phasePayload:
			var n, err = r.Read(s.buf[s.filled:])
			if n > 0 {
				s.filled += n
			}
			if err != nil {
				if err == io.EOF && uint32(s.filled) == s.need {
					var out = s.buf
					s.reset()
					return out, Complete, nil
				}
				if err == io.EOF {
					return nil, Err, io.ErrUnexpectedEOF
				}
				return nil, Err, err
			}
			if uint32(s.filled) < s.need {
				if n == 0 {
					return nil, NoMessageYet, nil
				}
				continue
			}
			var out = s.buf
			s.reset()
			return out, Complete, nil
		}
	}
}

func (s *ReadState) reset() {
	s.phase = phaseHeader
	s.filled = 0
	s.buf = nil
	s.need = 0
}

// WriteState is the resumable encoder side of the codec: Push enqueues
// whole messages, Write drains as many bytes as the underlying writer
// currently accepts.
type WriteState struct {
	current []byte
	written int
	pending [][]byte
}

// NewWriteState returns an empty WriteState.
func NewWriteState() *WriteState { return &WriteState{} }

// Push appends msg's header+payload framing onto the pending queue. Push
// never blocks and never writes; call Write to drain.
func (s *WriteState) Push(msg []byte) {
	var framed = make([]byte, HeaderLen+len(msg))
	binary.BigEndian.PutUint32(framed, uint32(len(msg)))
	copy(framed[HeaderLen:], msg)
	s.pending = append(s.pending, framed)
}

// Pending reports whether any bytes remain to be written.
func (s *WriteState) Pending() bool {
	return s.current != nil || len(s.pending) > 0
}

// Write drains as many bytes as w accepts without blocking, preserving
// partial-write progress across calls. It returns whether more remains to
// be written (moreToDo) and any error from w. A write of zero bytes with a
// nil error is treated as back-pressure, not success: moreToDo remains
// true and the caller should retry once writable again.
func (s *WriteState) Write(w io.Writer) (moreToDo bool, err error) {
	for {
		if s.current == nil {
			if len(s.pending) == 0 {
				return false, nil
			}
			s.current, s.pending = s.pending[0], s.pending[1:]
			s.written = 0
		}

		var n int
		n, err = w.Write(s.current[s.written:])
		if n > 0 {
			s.written += n
		}
		if err != nil {
			return true, err
		}
		if n == 0 {
			return true, nil // Back-pressure: writer accepted nothing this call.
		}
		if s.written == len(s.current) {
			s.current = nil
			s.written = 0
			if len(s.pending) == 0 {
				return false, nil
			}
			continue
		}
		return true, nil
	}
}
