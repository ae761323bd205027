// Package negotiate drives the server side of the SOCKS5 handshake for one
// connection: method selection, the CONNECT request and the bind reply.
//
// Handlers run on the event loop goroutine and never block on the sockets.
// When a frame is incomplete, or a reply cannot be fully written, a handler
// returns nil and leaves the state untouched; the next readiness event for the
// connection re-enters the same handler, which re-parses from the buffered
// bytes. When a frame completes, the handler moves to the next state and calls
// its handler directly. The chain is bounded by the four negotiation states.
package negotiate

import (
	"fmt"
	"log/slog"
	"net/netip"
	"unicode/utf8"

	txsocks5 "github.com/txthinking/socks5"

	"socksd/internal/buffer"
	"socksd/internal/domain"
)

type Negotiator struct {
	log      *slog.Logger
	resolver domain.Resolver
	dialer   domain.Dialer
	relay    domain.Relay
}

func New(log *slog.Logger, resolver domain.Resolver, dialer domain.Dialer, relay domain.Relay) *Negotiator {
	return &Negotiator{
		log:      log,
		resolver: resolver,
		dialer:   dialer,
		relay:    relay,
	}
}

// Handle runs the handler for the connection's current state.
func (n *Negotiator) Handle(c *domain.Conn, r domain.Registry) error {
	switch c.State {
	case domain.StateSelectMethodRequest:
		return n.selectMethodRequest(c, r)
	case domain.StateSelectMethodReply:
		return n.selectMethodReply(c, r)
	case domain.StateConnectRequest:
		return n.connectRequest(c, r)
	case domain.StateConnectReply:
		return n.connectReply(c, r)
	default:
		return fmt.Errorf("negotiate: connection in state %s", c.State)
	}
}

func (n *Negotiator) selectMethodRequest(c *domain.Conn, r domain.Registry) error {
	/*
		+----+----------+----------+
		|VER | NMETHODS | METHODS  |
		+----+----------+----------+
		| 1  |    1     | 1 to 255 |
		+----+----------+----------+
	*/
	b := c.In
	eof, err := fill(b, c.Downstream, "select method request")
	if err != nil {
		return err
	}

	if b.Len() < 2 {
		return stall(eof, "select method request")
	}

	ver, _ := b.PeekByte(0)
	if ver != domain.SocksVersion5 {
		return fmt.Errorf("select method request: %w: %#02x", domain.ErrInvalidVersion, ver)
	}

	nmethods, _ := b.PeekByte(1)
	size := 2 + int(nmethods)
	if b.Len() < size {
		return stall(eof, "select method request")
	}

	// The offered methods are not inspected; no authentication is always chosen.
	if err := b.Skip(size); err != nil {
		return fmt.Errorf("select method request: %w", err)
	}

	/*
		+----+--------+
		|VER | METHOD |
		+----+--------+
		| 1  |   1    |
		+----+--------+
	*/
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(c.Out); err != nil {
		return fmt.Errorf("select method reply: %w", err)
	}

	c.SetState(domain.StateSelectMethodReply)
	return n.selectMethodReply(c, r)
}

func (n *Negotiator) selectMethodReply(c *domain.Conn, r domain.Registry) error {
	if _, err := c.Out.Drain(c.Downstream); err != nil {
		return fmt.Errorf("select method reply: %w", err)
	}
	if c.Out.Len() > 0 {
		return nil // wait for EPOLLOUT
	}

	n.log.Debug("Method selected, waiting for command", "token", c.Token, "session", c.ID)
	c.SetState(domain.StateConnectRequest)
	return n.connectRequest(c, r)
}

func (n *Negotiator) connectRequest(c *domain.Conn, r domain.Registry) error {
	/*
		+----+-----+-------+------+----------+----------+
		|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
		+----+-----+-------+------+----------+----------+
		| 1  |  1  | X'00' |  1   | Variable |    2     |
		+----+-----+-------+------+----------+----------+
	*/
	b := c.In
	eof, err := fill(b, c.Downstream, "connect request")
	if err != nil {
		return err
	}

	if b.Len() < 4 {
		return stall(eof, "connect request")
	}

	if ver, _ := b.PeekByte(0); ver != domain.SocksVersion5 {
		return fmt.Errorf("connect request: %w: %#02x", domain.ErrInvalidVersion, ver)
	}
	if cmd, _ := b.PeekByte(1); cmd != domain.CmdConnect {
		return fmt.Errorf("connect request: %w: %#02x", domain.ErrUnsupportedCommand, cmd)
	}
	if rsv, _ := b.PeekByte(2); rsv != 0 {
		return fmt.Errorf("connect request: %w: %#02x", domain.ErrInvalidReserved, rsv)
	}

	target, ok, err := n.readTarget(b)
	if err != nil {
		return fmt.Errorf("connect request: %w", err)
	}
	if !ok {
		return stall(eof, "connect request")
	}

	n.log.Info("Connecting upstream", "client", c.PeerAddr, "target", target, "token", c.Token, "session", c.ID)

	up, err := n.dialer.DialTCP(target)
	if err != nil {
		return fmt.Errorf("connect request: %s: %w: %w", target, domain.ErrUpstreamConnectFailed, err)
	}
	if err := r.Register(up.Fd(), domain.PeerToken(c.Token), domain.EventRead|domain.EventWrite); err != nil {
		_ = up.Close()
		return fmt.Errorf("connect request: register upstream: %w", err)
	}
	c.Upstream = up

	/*
		+----+-----+-------+------+----------+----------+
		|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
		+----+-----+-------+------+----------+----------+
		| 1  |  1  | X'00' |  1   | Variable |    2     |
		+----+-----+-------+------+----------+----------+

		The bound address is always reported as 0.0.0.0:0.
	*/
	reply := txsocks5.NewReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
	if _, err := reply.WriteTo(c.Out); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}

	c.SetState(domain.StateConnectReply)
	return n.connectReply(c, r)
}

func (n *Negotiator) connectReply(c *domain.Conn, r domain.Registry) error {
	if _, err := c.Out.Drain(c.Downstream); err != nil {
		return fmt.Errorf("connect reply: %w", err)
	}
	if c.Out.Len() > 0 {
		return nil // wait for EPOLLOUT
	}

	c.SetState(domain.StateRelay)
	return n.relay.Begin(c, r, c.Token)
}

// readTarget consumes DST.ADDR and DST.PORT once the whole request is
// buffered. It reports false, consuming nothing, while bytes are missing.
func (n *Negotiator) readTarget(b *buffer.Buffer) (netip.AddrPort, bool, error) {
	atyp, _ := b.PeekByte(3)

	switch atyp {
	case domain.AtypIPv4:
		if b.Len() < 4+4+2 {
			return netip.AddrPort{}, false, nil
		}
		ip, port, err := readAddrPort(b, 4, 4)
		if err != nil {
			return netip.AddrPort{}, false, err
		}
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip)), port), true, nil

	case domain.AtypIPv6:
		if b.Len() < 4+16+2 {
			return netip.AddrPort{}, false, nil
		}
		ip, port, err := readAddrPort(b, 4, 16)
		if err != nil {
			return netip.AddrPort{}, false, err
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(ip)), port), true, nil

	case domain.AtypDomain:
		if b.Len() < 5 {
			return netip.AddrPort{}, false, nil
		}
		l, _ := b.PeekByte(4)
		if b.Len() < 5+int(l)+2 {
			return netip.AddrPort{}, false, nil
		}
		name, port, err := readAddrPort(b, 5, int(l))
		if err != nil {
			return netip.AddrPort{}, false, err
		}
		if !utf8.Valid(name) {
			return netip.AddrPort{}, false, fmt.Errorf("%w: %q", domain.ErrMalformedDomainName, name)
		}
		addr, err := n.resolve(string(name))
		if err != nil {
			return netip.AddrPort{}, false, err
		}
		return netip.AddrPortFrom(addr, port), true, nil

	default:
		return netip.AddrPort{}, false, fmt.Errorf("%w: %#02x", domain.ErrInvalidAddressType, atyp)
	}
}

// resolve blocks the loop for the duration of the lookup.
// TODO: move lookups off the loop behind a resolving state so a slow
// nameserver does not stall every other connection.
func (n *Negotiator) resolve(host string) (netip.Addr, error) {
	addrs, err := n.resolver.Resolve(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %q: %w", host, domain.ErrResolutionFailed)
	}
	n.log.Debug("Resolved domain", "domain", host, "ip", addrs[0])
	return addrs[0], nil
}

// readAddrPort consumes skip header bytes, an addrLen-byte address and a
// big-endian port.
func readAddrPort(b *buffer.Buffer, skip, addrLen int) ([]byte, uint16, error) {
	if err := b.Skip(skip); err != nil {
		return nil, 0, err
	}
	addr, err := b.ReadExact(addrLen)
	if err != nil {
		return nil, 0, err
	}
	port, err := b.ReadUint16()
	if err != nil {
		return nil, 0, err
	}
	return addr, port, nil
}

// fill reads what the client has sent so far. A client that closes before
// sending anything is an error.
func fill(b *buffer.Buffer, s domain.Socket, what string) (eof bool, err error) {
	_, eof, err = b.Fill(s)
	if err != nil {
		return eof, fmt.Errorf("%s: %w", what, err)
	}
	if b.Len() == 0 && eof {
		return eof, fmt.Errorf("%s: %w", what, domain.ErrUnexpectedEOF)
	}
	return eof, nil
}

// stall is returned when a frame is incomplete. Without eof it is not an
// error; the handler runs again on the next readiness event. With eof the
// frame can never complete.
func stall(eof bool, what string) error {
	if eof {
		return fmt.Errorf("%s: truncated frame: %w", what, domain.ErrUnexpectedEOF)
	}
	return nil
}
