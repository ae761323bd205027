package domain

import (
	"io"
	"net/netip"
)

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

type EventHandler interface {
	HandleEvent(token Token, event EventType) error
}

// Registry is the registration handle passed into per-connection handlers.
type Registry interface {
	Register(fd int, token Token, events EventType) error
}

type EventLoop interface {
	Registry
	Modify(fd int, token Token, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Socket is a non-blocking stream socket. Read reports io.EOF when the peer
// has closed its write side and unix.EAGAIN when no data is ready; Write
// reports unix.EAGAIN when the send buffer is full.
type Socket interface {
	io.Reader
	io.Writer
	Fd() int
	CloseWrite() error
	Close() error
}

// Resolver turns a domain name into addresses. Implementations may block.
type Resolver interface {
	Resolve(host string) ([]netip.Addr, error)
}

// Dialer starts a non-blocking TCP connect. The returned socket may still be
// connecting; failures after this point surface as I/O errors on the socket.
type Dialer interface {
	DialTCP(addr netip.AddrPort) (Socket, error)
}

// Relay takes over a connection once negotiation has completed.
type Relay interface {
	Begin(c *Conn, r Registry, token Token) error
}
