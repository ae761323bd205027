// Package testutil provides scripted sockets for driving handlers without a
// kernel underneath.
package testutil

import (
	"bytes"
	"io"

	"golang.org/x/sys/unix"
)

// Socket is an in-memory stand-in for a non-blocking stream socket. Reads
// return queued chunks one at a time, then unix.EAGAIN, or io.EOF once the
// input side has been closed. Writes are unlimited unless LimitWrites is
// called, after which they are accepted only up to the remaining budget.
type Socket struct {
	FD int

	chunks [][]byte
	eof    bool

	ReadErr  error
	WriteErr error

	limited bool
	budget  int
	written bytes.Buffer

	Closed      bool
	WriteClosed bool
}

func NewSocket(fd int) *Socket { return &Socket{FD: fd} }

// Feed queues p as a single readable chunk.
func (s *Socket) Feed(p ...[]byte) {
	for _, c := range p {
		s.chunks = append(s.chunks, append([]byte(nil), c...))
	}
}

// CloseInput makes Read report io.EOF once queued chunks are consumed.
func (s *Socket) CloseInput() { s.eof = true }

// LimitWrites caps the bytes accepted by subsequent writes to n in total.
func (s *Socket) LimitWrites(n int) {
	s.limited = true
	s.budget = n
}

// AllowWrites raises the write budget by n.
func (s *Socket) AllowWrites(n int) { s.budget += n }

// Written returns everything accepted by Write so far.
func (s *Socket) Written() []byte { return s.written.Bytes() }

// Pending reports the number of queued unread bytes.
func (s *Socket) Pending() int {
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

func (s *Socket) Read(p []byte) (int, error) {
	if s.ReadErr != nil {
		return 0, s.ReadErr
	}
	if len(s.chunks) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, unix.EAGAIN
	}
	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	if len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	n := len(p)
	if s.limited {
		if s.budget == 0 {
			return 0, unix.EAGAIN
		}
		n = min(n, s.budget)
		s.budget -= n
	}
	s.written.Write(p[:n])
	return n, nil
}

func (s *Socket) Fd() int { return s.FD }

func (s *Socket) CloseWrite() error {
	s.WriteClosed = true
	return nil
}

func (s *Socket) Close() error {
	s.Closed = true
	return nil
}
