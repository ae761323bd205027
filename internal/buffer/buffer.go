// Package buffer implements the byte window used to stage protocol frames and
// relay traffic between non-blocking sockets.
//
// A Buffer is filled by draining a socket until it would block and consumed
// through a cursor. Nothing behind the cursor is ever read again, and nothing
// ahead of it moves relative to the cursor, so a parser may peek at the same
// bytes on every readiness event until a whole frame has arrived.
package buffer

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// ErrInsufficientData is returned by the cursor accessors when fewer bytes
// are buffered than requested. Callers are expected to check Len first.
var ErrInsufficientData = errors.New("buffer: insufficient data")

const (
	// DefaultLimit bounds the unconsumed bytes a single Fill may accumulate.
	DefaultLimit = 32 * 1024

	minRead = 512
)

type Buffer struct {
	buf   []byte
	off   int
	limit int
}

// New returns an empty buffer whose Fill stops once limit unconsumed bytes
// are held. A non-positive limit selects DefaultLimit.
func New(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Buffer{limit: limit}
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.buf) - b.off }

// Bytes returns the unconsumed bytes. The slice aliases the buffer and is
// only valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.buf[b.off:] }

// Fill reads from r until it reports EAGAIN, end of stream, or the buffer
// reaches its limit. n is the number of bytes appended by this call and eof
// reports that the peer closed its write side. EAGAIN is not an error.
func (b *Buffer) Fill(r io.Reader) (n int, eof bool, err error) {
	for b.Len() < b.limit {
		b.grow(minRead)
		free := b.buf[len(b.buf):cap(b.buf)]
		if room := b.limit - b.Len(); len(free) > room {
			free = free[:room]
		}

		m, rerr := r.Read(free)
		if m > 0 {
			b.buf = b.buf[:len(b.buf)+m]
			n += m
		}

		switch {
		case rerr == nil:
			if m == 0 {
				return n, false, nil
			}
		case errors.Is(rerr, io.EOF):
			return n, true, nil
		case errors.Is(rerr, unix.EINTR):
		case errors.Is(rerr, unix.EAGAIN):
			return n, false, nil
		default:
			return n, false, rerr
		}
	}
	return n, false, nil
}

// Drain writes the unconsumed bytes to w until they are gone or w reports
// EAGAIN, advancing the cursor past whatever w accepted. A short write is not
// an error; the rest stays queued for the next call.
func (b *Buffer) Drain(w io.Writer) (n int, err error) {
	for b.Len() > 0 {
		m, werr := w.Write(b.buf[b.off:])
		if m > 0 {
			b.off += m
			n += m
		}
		if werr != nil {
			if errors.Is(werr, unix.EINTR) {
				continue
			}
			if errors.Is(werr, unix.EAGAIN) {
				break
			}
			b.consumed()
			return n, werr
		}
		if m == 0 {
			break
		}
	}
	b.consumed()
	return n, nil
}

// PeekByte returns the byte at off bytes past the cursor without consuming it.
func (b *Buffer) PeekByte(off int) (byte, error) {
	if off < 0 || off >= b.Len() {
		return 0, ErrInsufficientData
	}
	return b.buf[b.off+off], nil
}

// Skip consumes n bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.Len() {
		return ErrInsufficientData
	}
	b.off += n
	b.consumed()
	return nil
}

// ReadUint16 consumes a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, ErrInsufficientData
	}
	v := binary.BigEndian.Uint16(b.buf[b.off:])
	b.off += 2
	b.consumed()
	return v, nil
}

// ReadExact consumes exactly n bytes and returns a copy of them.
func (b *Buffer) ReadExact(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, ErrInsufficientData
	}
	p := make([]byte, n)
	copy(p, b.buf[b.off:])
	b.off += n
	b.consumed()
	return p, nil
}

// Write appends p. It never fails; the limit only applies to Fill.
func (b *Buffer) Write(p []byte) (int, error) {
	b.grow(len(p))
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteByte appends c.
func (b *Buffer) WriteByte(c byte) error {
	b.grow(1)
	b.buf = append(b.buf, c)
	return nil
}

// consumed rewinds the storage once everything has been read.
func (b *Buffer) consumed() {
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// grow makes room for n more bytes, first by sliding unconsumed bytes over
// consumed ones, then by reallocating.
func (b *Buffer) grow(n int) {
	if cap(b.buf)-len(b.buf) >= n {
		return
	}
	if b.off > 0 {
		m := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:m]
		b.off = 0
		if cap(b.buf)-len(b.buf) >= n {
			return
		}
	}
	nb := make([]byte, len(b.buf), 2*cap(b.buf)+n)
	copy(nb, b.buf)
	b.buf = nb
}
