package network

import (
	"io"

	"golang.org/x/sys/unix"
)

// Socket is a non-blocking stream socket. Reads and writes are single system
// calls; unix.EAGAIN is returned as is.
type Socket struct {
	fd int
}

func (s *Socket) Fd() int { return s.fd }

func (s *Socket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Socket) CloseWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}
