package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"socksd/internal/config"
	"socksd/internal/domain"
	"socksd/internal/infrastructure/network"
	"socksd/internal/negotiate"
	"socksd/internal/relay"
)

// ProxyService owns the listener and the token table. Every method except
// Stop runs on the event loop goroutine.
type ProxyService struct {
	log         *slog.Logger
	loop        domain.EventLoop
	listenerFD  int
	bufferLimit int

	negotiator *negotiate.Negotiator
	relay      *relay.Relay

	sessions  map[domain.Token]*domain.Conn // keyed by client token
	nextToken domain.Token

	accept         func(lfd int) (*network.Socket, netip.AddrPort, error)
	acceptDeferred bool
}

func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg config.ServerConfig, resolver domain.Resolver, dialer domain.Dialer) (*ProxyService, error) {
	lfd, err := network.ListenTCP(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	rl := relay.New(logger)
	return &ProxyService{
		log:         logger,
		loop:        loop,
		listenerFD:  lfd,
		bufferLimit: cfg.BufferLimit,
		negotiator:  negotiate.New(logger, resolver, dialer, rl),
		relay:       rl,
		sessions:    make(map[domain.Token]*domain.Conn),
		nextToken:   domain.FirstConnToken,
		accept:      network.Accept,
	}, nil
}

// Addr reports the bound listen address.
func (s *ProxyService) Addr() (netip.AddrPort, error) {
	return network.LocalAddr(s.listenerFD)
}

// Start runs the event loop until Stop is called, then closes every session
// and the listener.
func (s *ProxyService) Start() error {
	s.log.Info("Registering listener in EventLoop", "listener_fd", s.listenerFD)

	if err := s.loop.Register(s.listenerFD, domain.ListenerToken, domain.EventRead); err != nil {
		unix.Close(s.listenerFD)
		return err
	}

	s.log.Info("Proxy service is running loop...")
	err := s.loop.Run(s)

	for _, sess := range s.sessions {
		s.closeSession(sess, "shutdown", nil)
	}
	_ = s.loop.Unregister(s.listenerFD)
	unix.Close(s.listenerFD)
	return err
}

// Stop asks the loop to return. Safe from any goroutine.
func (s *ProxyService) Stop() {
	s.loop.Stop()
}

func (s *ProxyService) HandleEvent(token domain.Token, _ domain.EventType) error {
	if token == domain.ListenerToken {
		return s.acceptNewClients()
	}

	sess := s.sessions[domain.OwnerToken(token)]
	if sess == nil {
		return nil
	}

	var err error
	if sess.State < domain.StateRelay {
		err = s.negotiator.Handle(sess, s.loop)
	} else {
		err = s.relay.Pump(sess)
	}

	switch {
	case err != nil:
		s.closeSession(sess, "error", err)
	case sess.State == domain.StateClosed:
		s.closeSession(sess, "connection closed by peer", nil)
	}
	return nil
}

// acceptNewClients drains the accept backlog; with edge triggering the
// listener is not reported again until a new connection arrives. A failed
// accept (EMFILE, ENFILE) leaves the backlog queued, so the listener is
// re-armed once a session closes and releases its descriptors.
func (s *ProxyService) acceptNewClients() error {
	for {
		sock, peer, err := s.accept(s.listenerFD)
		if err != nil {
			s.log.Error("Accept failed, deferring until a session closes", "error", err, "sessions", len(s.sessions))
			s.acceptDeferred = true
			return nil
		}
		if sock == nil {
			return nil
		}

		token := s.allocToken()
		sess := domain.NewConn(token, sock, peer.String(), s.bufferLimit)
		s.sessions[token] = sess

		if err := s.loop.Register(sock.Fd(), token, domain.EventRead|domain.EventWrite); err != nil {
			s.closeSession(sess, "register failed", err)
			continue
		}
		s.log.Info("New client accepted", "fd", sock.Fd(), "token", token, "session", sess.ID, "ip", peer.String())
	}
}

func (s *ProxyService) allocToken() domain.Token {
	for {
		t := s.nextToken
		s.nextToken = domain.NextToken(t)
		if _, busy := s.sessions[t]; !busy {
			return t
		}
	}
}

func (s *ProxyService) closeSession(sess *domain.Conn, reason string, err error) {
	log := s.log.With("token", sess.Token, "session", sess.ID, "client", sess.PeerAddr, "state", sess.State, "reason", reason)
	switch {
	case err == nil:
		log.Info("Closing session")
	case errors.Is(err, domain.ErrUnexpectedEOF):
		log.Info("Closing session", "error", err)
	default:
		log.Warn("Closing session", "error", err)
	}

	if sess.Downstream != nil {
		_ = s.loop.Unregister(sess.Downstream.Fd())
		_ = sess.Downstream.Close()
		sess.Downstream = nil
	}
	if sess.Upstream != nil {
		_ = s.loop.Unregister(sess.Upstream.Fd())
		_ = sess.Upstream.Close()
		sess.Upstream = nil
	}
	sess.SetState(domain.StateClosed)
	delete(s.sessions, sess.Token)

	if s.acceptDeferred {
		s.rearmListener()
	}
}

// rearmListener makes epoll report the listener again if connections are
// still waiting in the backlog.
func (s *ProxyService) rearmListener() {
	s.acceptDeferred = false
	if err := s.loop.Modify(s.listenerFD, domain.ListenerToken, domain.EventRead); err != nil {
		s.log.Error("Failed to re-arm listener", "error", err)
	}
}
