package domain

import (
	"github.com/google/uuid"

	"socksd/internal/buffer"
)

type State int

const (
	StateSelectMethodRequest State = iota // VER NMETHODS METHODS
	StateSelectMethodReply                // VER METHOD
	StateConnectRequest                   // VER CMD RSV ATYP DST.ADDR DST.PORT
	StateConnectReply                     // VER REP RSV ATYP BND.ADDR BND.PORT
	StateRelay                            // Pipe
	StateClosed
)

var stateNames = [...]string{
	StateSelectMethodRequest: "select_method_request",
	StateSelectMethodReply:   "select_method_reply",
	StateConnectRequest:      "connect_request",
	StateConnectReply:        "connect_reply",
	StateRelay:               "relay",
	StateClosed:              "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Conn is the per-client context. It is owned by the event loop goroutine
// and never touched concurrently.
type Conn struct {
	ID    uuid.UUID
	Token Token
	State State

	Downstream Socket
	Upstream   Socket // nil until CONNECT succeeds

	In  *buffer.Buffer // b1: client to upstream
	Out *buffer.Buffer // b2: replies, then upstream to client

	PeerAddr string

	DownstreamEOF bool
	UpstreamEOF   bool
	UpstreamShut  bool // write side of Upstream closed
	ClientShut    bool // write side of Downstream closed
}

func NewConn(token Token, s Socket, peerAddr string, bufferLimit int) *Conn {
	return &Conn{
		ID:         uuid.New(),
		Token:      token,
		State:      StateSelectMethodRequest,
		Downstream: s,
		In:         buffer.New(bufferLimit),
		Out:        buffer.New(bufferLimit),
		PeerAddr:   peerAddr,
	}
}

// SetState moves the connection forward. States never regress.
func (c *Conn) SetState(s State) {
	if s < c.State {
		panic("domain: state regression from " + c.State.String() + " to " + s.String())
	}
	c.State = s
}

const (
	SocksVersion5 = 0x05
	CmdConnect    = 0x01
	AtypIPv4      = 0x01
	AtypDomain    = 0x03
	AtypIPv6      = 0x04
)
