package epoll

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"socksd/internal/domain"
)

// wakeToken is the peer slot of the listener token, which never has an
// upstream socket of its own.
const wakeToken domain.Token = domain.ListenerToken | 1

// LinuxEventLoop is an edge-triggered epoll instance. The user data of every
// registration carries a domain.Token rather than the fd, so one connection
// can own several registrations.
type LinuxEventLoop struct {
	log     *slog.Logger
	epollFD int
	wakeFD  int
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	l := &LinuxEventLoop{log: log, epollFD: fd, wakeFD: wfd}
	if err := l.Register(wfd, wakeToken, domain.EventRead); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

func (l *LinuxEventLoop) Register(fd int, token domain.Token, events domain.EventType) error {
	return l.ctl(unix.EPOLL_CTL_ADD, fd, token, events)
}

func (l *LinuxEventLoop) Modify(fd int, token domain.Token, events domain.EventType) error {
	return l.ctl(unix.EPOLL_CTL_MOD, fd, token, events)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *LinuxEventLoop) ctl(op, fd int, token domain.Token, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: epollEvents(events) | unix.EPOLLET, // Edge-triggered
		Fd:     int32(token),
	}
	if err := unix.EpollCtl(l.epollFD, op, fd, evt); err != nil {
		return fmt.Errorf("epoll_ctl fd %d token %d: %w", fd, token, err)
	}
	return nil
}

// Run dispatches readiness events to handler until Stop is called. Handler
// errors are logged; tearing down the affected connection is the handler's
// job.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			token := domain.Token(events[i].Fd)
			if token == wakeToken {
				l.drainWake()
				return nil
			}

			if err := handler.HandleEvent(token, domainEvents(events[i].Events)); err != nil {
				l.log.Error("Error handling event", "token", token, "error", err)
			}
		}
	}
}

// Stop makes Run return. It is safe to call from any goroutine.
func (l *LinuxEventLoop) Stop() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakeFD, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.log.Error("Failed to wake event loop", "error", err)
	}
}

// Close releases the epoll and eventfd descriptors once Run has returned.
func (l *LinuxEventLoop) Close() error {
	return errors.Join(unix.Close(l.wakeFD), unix.Close(l.epollFD))
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])
}

func epollEvents(events domain.EventType) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if events&domain.EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// domainEvents reports hangups and errors as readable and writable too, so
// the handler runs its normal I/O path and observes the failure there.
func domainEvents(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ev |= domain.EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= domain.EventRead | domain.EventWrite
	}
	return ev
}
