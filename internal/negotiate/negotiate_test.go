package negotiate_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"

	"socksd/internal/domain"
	"socksd/internal/negotiate"
	"socksd/internal/testutil"
)

var (
	greeting    = []byte{0x05, 0x01, 0x00}
	methodReply = []byte{0x05, 0x00}
	bindReply   = []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	connectV4   = []byte{0x05, 0x01, 0x00, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x00, 0x50}
)

type registration struct {
	fd     int
	token  domain.Token
	events domain.EventType
}

type fakeRegistry struct {
	regs []registration
	err  error
}

func (r *fakeRegistry) Register(fd int, token domain.Token, events domain.EventType) error {
	if r.err != nil {
		return r.err
	}
	r.regs = append(r.regs, registration{fd: fd, token: token, events: events})
	return nil
}

type fakeDialer struct {
	dials []netip.AddrPort
	socks []*testutil.Socket
	err   error
}

func (d *fakeDialer) DialTCP(addr netip.AddrPort) (domain.Socket, error) {
	d.dials = append(d.dials, addr)
	if d.err != nil {
		return nil, d.err
	}
	s := testutil.NewSocket(100 + len(d.dials))
	d.socks = append(d.socks, s)
	return s, nil
}

type fakeResolver struct {
	hosts   map[string][]netip.Addr
	err     error
	lookups []string
}

func (r *fakeResolver) Resolve(host string) ([]netip.Addr, error) {
	r.lookups = append(r.lookups, host)
	if r.err != nil {
		return nil, r.err
	}
	return r.hosts[host], nil
}

type fakeRelay struct {
	begun []domain.Token
}

func (r *fakeRelay) Begin(_ *domain.Conn, _ domain.Registry, token domain.Token) error {
	r.begun = append(r.begun, token)
	return nil
}

type harness struct {
	n        *negotiate.Negotiator
	reg      *fakeRegistry
	dialer   *fakeDialer
	resolver *fakeResolver
	relay    *fakeRelay
	client   *testutil.Socket
	conn     *domain.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		reg:      &fakeRegistry{},
		dialer:   &fakeDialer{},
		resolver: &fakeResolver{hosts: map[string][]netip.Addr{}},
		relay:    &fakeRelay{},
		client:   testutil.NewSocket(7),
	}
	h.n = negotiate.New(slog.New(slog.NewTextHandler(io.Discard, nil)), h.resolver, h.dialer, h.relay)
	h.conn = domain.NewConn(domain.FirstConnToken, h.client, "192.0.2.1:40000", 0)
	return h
}

// atConnectRequest returns a harness whose method selection has completed.
func atConnectRequest(t *testing.T) *harness {
	t.Helper()

	h := newHarness(t)
	h.client.Feed(greeting)
	require.NoError(t, h.handle())
	require.Equal(t, domain.StateConnectRequest, h.conn.State)
	return h
}

func (h *harness) handle() error {
	return h.n.Handle(h.conn, h.reg)
}

func writeRequest(t *testing.T, atyp byte, addr []byte, port uint16) []byte {
	t.Helper()

	var buf bytes.Buffer
	_, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, []byte{byte(port >> 8), byte(port)}).WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestEndToEndConnect(t *testing.T) {
	h := newHarness(t)

	h.client.Feed(greeting)
	require.NoError(t, h.handle())
	assert.Equal(t, methodReply, h.client.Written())
	assert.Equal(t, domain.StateConnectRequest, h.conn.State)

	h.client.Feed(connectV4)
	require.NoError(t, h.handle())

	require.Len(t, h.dialer.dials, 1)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:80"), h.dialer.dials[0])
	require.Len(t, h.reg.regs, 1)
	assert.Equal(t, registration{
		fd:     h.dialer.socks[0].FD,
		token:  domain.PeerToken(h.conn.Token),
		events: domain.EventRead | domain.EventWrite,
	}, h.reg.regs[0])
	assert.Same(t, h.dialer.socks[0], h.conn.Upstream)

	assert.Equal(t, append(append([]byte{}, methodReply...), bindReply...), h.client.Written())
	assert.Equal(t, domain.StateRelay, h.conn.State)
	assert.Equal(t, []domain.Token{h.conn.Token}, h.relay.begun)
}

func TestPipelinedHandshakeCompletesInOneEvent(t *testing.T) {
	h := newHarness(t)
	h.client.Feed(append(append([]byte{}, greeting...), connectV4...))

	require.NoError(t, h.handle())
	assert.Equal(t, domain.StateRelay, h.conn.State)
	assert.Len(t, h.relay.begun, 1)
}

// compositions calls fn with every way of cutting p into consecutive chunks.
func compositions(p []byte, fn func(chunks [][]byte)) {
	cuts := len(p) - 1
	for mask := 0; mask < 1<<cuts; mask++ {
		var chunks [][]byte
		start := 0
		for i := 0; i < cuts; i++ {
			if mask&(1<<i) != 0 {
				chunks = append(chunks, p[start:i+1])
				start = i + 1
			}
		}
		chunks = append(chunks, p[start:])
		fn(chunks)
	}
}

func TestMethodSelectionReassembly(t *testing.T) {
	frame := []byte{0x05, 0x04, 0x00, 0x01, 0x02, 0x80}

	compositions(frame, func(chunks [][]byte) {
		h := newHarness(t)
		h.client.LimitWrites(0)

		for i, chunk := range chunks {
			h.client.Feed(chunk)
			require.NoError(t, h.handle())
			if i < len(chunks)-1 {
				require.Equal(t, domain.StateSelectMethodRequest, h.conn.State, "chunks %v", chunks)
			}
		}

		assert.Equal(t, domain.StateSelectMethodReply, h.conn.State, "chunks %v", chunks)
		assert.Equal(t, methodReply, h.conn.Out.Bytes(), "chunks %v", chunks)
		assert.Zero(t, h.conn.In.Len())
	})
}

func TestMethodSelectionWithZeroMethods(t *testing.T) {
	h := newHarness(t)
	h.client.Feed([]byte{0x05, 0x00})

	require.NoError(t, h.handle())
	assert.Equal(t, methodReply, h.client.Written())
	assert.Equal(t, domain.StateConnectRequest, h.conn.State)
}

func TestPartialWritesResume(t *testing.T) {
	h := newHarness(t)
	h.client.LimitWrites(1)
	h.client.Feed(greeting)

	require.NoError(t, h.handle())
	assert.Equal(t, domain.StateSelectMethodReply, h.conn.State)
	assert.Equal(t, methodReply[:1], h.client.Written())

	// A readable event while the reply is pending must not advance or duplicate.
	require.NoError(t, h.handle())
	assert.Equal(t, domain.StateSelectMethodReply, h.conn.State)
	assert.Equal(t, methodReply[:1], h.client.Written())

	h.client.AllowWrites(1)
	require.NoError(t, h.handle())
	assert.Equal(t, domain.StateConnectRequest, h.conn.State)

	h.client.Feed(connectV4)
	require.NoError(t, h.handle())
	assert.Equal(t, domain.StateConnectReply, h.conn.State)

	for i := 0; h.conn.State == domain.StateConnectReply; i++ {
		require.Less(t, i, len(bindReply), "bind reply never drained")
		assert.Empty(t, h.relay.begun)
		h.client.AllowWrites(1)
		require.NoError(t, h.handle())
	}

	want := append(append([]byte{}, methodReply...), bindReply...)
	assert.Equal(t, want, h.client.Written())
	assert.Equal(t, domain.StateRelay, h.conn.State)
	assert.Len(t, h.relay.begun, 1)
	assert.Len(t, h.dialer.dials, 1)
}

func TestHeaderValidation(t *testing.T) {
	fields := []struct {
		name  string
		index int
		valid byte
		want  error
	}{
		{name: "version", index: 0, valid: 0x05, want: domain.ErrInvalidVersion},
		{name: "command", index: 1, valid: 0x01, want: domain.ErrUnsupportedCommand},
		{name: "reserved", index: 2, valid: 0x00, want: domain.ErrInvalidReserved},
	}

	for _, f := range fields {
		t.Run(f.name, func(t *testing.T) {
			for v := 0; v < 256; v++ {
				if byte(v) == f.valid {
					continue
				}
				h := atConnectRequest(t)
				req := append([]byte{}, connectV4...)
				req[f.index] = byte(v)
				h.client.Feed(req)

				err := h.handle()
				require.ErrorIs(t, err, f.want, "byte %#02x", v)
				assert.Empty(t, h.dialer.dials)
				assert.Empty(t, h.reg.regs)
			}
		})
	}
}

func TestMethodSelectionVersion(t *testing.T) {
	h := newHarness(t)
	h.client.Feed([]byte{0x04, 0x01, 0x00})

	assert.ErrorIs(t, h.handle(), domain.ErrInvalidVersion)
	assert.Empty(t, h.client.Written())
}

func TestAddressTypes(t *testing.T) {
	tests := []struct {
		name  string
		req   func(t *testing.T) []byte
		hosts map[string][]netip.Addr
		want  netip.AddrPort
	}{
		{
			name: "ipv4",
			req: func(t *testing.T) []byte {
				return writeRequest(t, txsocks5.ATYPIPv4, []byte{10, 1, 2, 3}, 8080)
			},
			want: netip.MustParseAddrPort("10.1.2.3:8080"),
		},
		{
			name: "ipv6",
			req: func(t *testing.T) []byte {
				ip := netip.MustParseAddr("2001:db8::1").As16()
				return writeRequest(t, txsocks5.ATYPIPv6, ip[:], 443)
			},
			want: netip.MustParseAddrPort("[2001:db8::1]:443"),
		},
		{
			name: "domain",
			req: func(t *testing.T) []byte {
				return writeRequest(t, txsocks5.ATYPDomain, []byte("example.com"), 8443)
			},
			hosts: map[string][]netip.Addr{"example.com": {netip.MustParseAddr("192.0.2.7")}},
			want:  netip.MustParseAddrPort("192.0.2.7:8443"),
		},
		{
			name: "domain_first_of_many",
			req: func(t *testing.T) []byte {
				return writeRequest(t, txsocks5.ATYPDomain, []byte("multi.example"), 25)
			},
			hosts: map[string][]netip.Addr{"multi.example": {
				netip.MustParseAddr("198.51.100.1"),
				netip.MustParseAddr("2001:db8::2"),
			}},
			want: netip.MustParseAddrPort("198.51.100.1:25"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := atConnectRequest(t)
			for host, addrs := range tt.hosts {
				h.resolver.hosts[host] = addrs
			}

			h.client.Feed(tt.req(t))
			require.NoError(t, h.handle())
			require.Len(t, h.dialer.dials, 1)
			assert.Equal(t, tt.want, h.dialer.dials[0])
			assert.Equal(t, domain.StateRelay, h.conn.State)
			assert.Zero(t, h.conn.In.Len())
		})
	}
}

func TestInvalidAddressType(t *testing.T) {
	h := atConnectRequest(t)
	h.client.Feed([]byte{0x05, 0x01, 0x00, 0x02, 0, 0, 0, 0, 0, 0})

	assert.ErrorIs(t, h.handle(), domain.ErrInvalidAddressType)
	assert.Empty(t, h.dialer.dials)
}

func TestMalformedDomainName(t *testing.T) {
	h := atConnectRequest(t)
	h.client.Feed([]byte{0x05, 0x01, 0x00, 0x03, 0x03, 0xff, 0xfe, 0xfd, 0x00, 0x50})

	assert.ErrorIs(t, h.handle(), domain.ErrMalformedDomainName)
	assert.Empty(t, h.resolver.lookups)
	assert.Empty(t, h.dialer.dials)
}

func TestResolutionWithoutAddresses(t *testing.T) {
	h := atConnectRequest(t)
	h.client.Feed(writeRequest(t, txsocks5.ATYPDomain, []byte("nowhere.invalid"), 80))

	assert.ErrorIs(t, h.handle(), domain.ErrResolutionFailed)
	assert.Equal(t, []string{"nowhere.invalid"}, h.resolver.lookups)
	assert.Empty(t, h.dialer.dials)
}

func TestResolverFailure(t *testing.T) {
	h := atConnectRequest(t)
	timeout := errors.New("A slow.test via 192.0.2.53:53: i/o timeout")
	h.resolver.err = timeout
	h.client.Feed(writeRequest(t, txsocks5.ATYPDomain, []byte("slow.test"), 443))

	err := h.handle()
	assert.ErrorIs(t, err, timeout)
	assert.Equal(t, []string{"slow.test"}, h.resolver.lookups)
	assert.Empty(t, h.dialer.dials)
	assert.Equal(t, methodReply, h.client.Written(), "no SOCKS error reply is sent")
	assert.Equal(t, domain.StateConnectRequest, h.conn.State)
}

func TestUpstreamConnectFailure(t *testing.T) {
	h := atConnectRequest(t)
	refused := errors.New("connection refused")
	h.dialer.err = refused
	h.client.Feed(connectV4)

	err := h.handle()
	assert.ErrorIs(t, err, domain.ErrUpstreamConnectFailed)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, methodReply, h.client.Written(), "no SOCKS error reply is sent")
	assert.Nil(t, h.conn.Upstream)
}

func TestUpstreamRegistrationFailure(t *testing.T) {
	h := atConnectRequest(t)
	h.reg.err = errors.New("epoll_ctl: no space left on device")
	h.client.Feed(connectV4)

	require.Error(t, h.handle())
	require.Len(t, h.dialer.socks, 1)
	assert.True(t, h.dialer.socks[0].Closed)
	assert.Nil(t, h.conn.Upstream)
}

func TestTruncatedFramesStall(t *testing.T) {
	ip6 := netip.MustParseAddr("2001:db8::1").As16()
	frames := []struct {
		name  string
		frame []byte
		state domain.State
	}{
		{name: "method_selection", frame: []byte{0x05, 0x02, 0x00, 0x02}, state: domain.StateSelectMethodRequest},
		{name: "connect_ipv4", frame: connectV4, state: domain.StateConnectRequest},
		{name: "connect_ipv6", frame: writeRequest(t, txsocks5.ATYPIPv6, ip6[:], 443), state: domain.StateConnectRequest},
		{name: "connect_domain", frame: writeRequest(t, txsocks5.ATYPDomain, []byte("example.com"), 80), state: domain.StateConnectRequest},
	}

	for _, f := range frames {
		t.Run(f.name, func(t *testing.T) {
			for cut := 1; cut < len(f.frame); cut++ {
				var h *harness
				if f.state == domain.StateConnectRequest {
					h = atConnectRequest(t)
				} else {
					h = newHarness(t)
				}
				h.resolver.hosts["example.com"] = []netip.Addr{netip.MustParseAddr("192.0.2.7")}
				written := len(h.client.Written())

				h.client.Feed(f.frame[:cut])
				require.NoError(t, h.handle(), "cut %d", cut)
				assert.Equal(t, f.state, h.conn.State, "cut %d", cut)
				assert.Equal(t, cut, h.conn.In.Len(), "cut %d", cut)
				assert.Len(t, h.client.Written(), written, "cut %d", cut)
				assert.Empty(t, h.dialer.dials, "cut %d", cut)
				assert.Empty(t, h.resolver.lookups, "cut %d", cut)

				// Idle readiness events are harmless.
				require.NoError(t, h.handle())
				assert.Equal(t, f.state, h.conn.State)

				h.client.Feed(f.frame[cut:])
				require.NoError(t, h.handle(), "cut %d", cut)
				assert.Greater(t, h.conn.State, f.state, "cut %d", cut)
			}
		})
	}
}

func TestUnexpectedEOF(t *testing.T) {
	t.Run("before_greeting", func(t *testing.T) {
		h := newHarness(t)
		h.client.CloseInput()
		assert.ErrorIs(t, h.handle(), domain.ErrUnexpectedEOF)
	})

	t.Run("inside_greeting", func(t *testing.T) {
		h := newHarness(t)
		h.client.Feed([]byte{0x05, 0x03, 0x00})
		h.client.CloseInput()
		assert.ErrorIs(t, h.handle(), domain.ErrUnexpectedEOF)
	})

	t.Run("before_request", func(t *testing.T) {
		h := atConnectRequest(t)
		h.client.CloseInput()
		assert.ErrorIs(t, h.handle(), domain.ErrUnexpectedEOF)
	})

	t.Run("inside_request", func(t *testing.T) {
		h := atConnectRequest(t)
		h.client.Feed(connectV4[:7])
		h.client.CloseInput()
		assert.ErrorIs(t, h.handle(), domain.ErrUnexpectedEOF)
		assert.Empty(t, h.dialer.dials)
	})

	t.Run("complete_request_then_eof", func(t *testing.T) {
		h := atConnectRequest(t)
		h.client.Feed(connectV4)
		h.client.CloseInput()
		require.NoError(t, h.handle())
		assert.Equal(t, domain.StateRelay, h.conn.State)
	})
}

func TestHandleRejectsNegotiatedConnection(t *testing.T) {
	h := newHarness(t)
	h.conn.State = domain.StateRelay
	assert.Error(t, h.handle())
}
