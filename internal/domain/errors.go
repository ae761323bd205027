package domain

import "errors"

// Negotiation failures. All of them are fatal to the connection; the server
// closes both sockets without sending a SOCKS error reply.
var (
	ErrUnexpectedEOF         = errors.New("unexpected eof")
	ErrInvalidVersion        = errors.New("invalid version")
	ErrUnsupportedCommand    = errors.New("unsupported command")
	ErrInvalidReserved       = errors.New("reserved byte must be zero")
	ErrInvalidAddressType    = errors.New("invalid ATYP")
	ErrMalformedDomainName   = errors.New("malformed domain name")
	ErrResolutionFailed      = errors.New("domain name resolved to no addresses")
	ErrUpstreamConnectFailed = errors.New("upstream connect failed")
)
