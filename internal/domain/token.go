package domain

// Token identifies a socket registration with the event loop. Client
// connections use even tokens; the upstream socket of a connection is
// registered under the odd token next to it.
type Token uint32

const (
	ListenerToken  Token = 0
	FirstConnToken Token = 2
	maxConnToken   Token = 1<<31 - 2
)

// PeerToken maps a connection token to its upstream registration.
func PeerToken(t Token) Token { return t | 1 }

// OwnerToken maps either token of a connection back to the connection token.
func OwnerToken(t Token) Token { return t &^ 1 }

// NextToken returns the connection token after t, wrapping before the epoll
// user data would overflow an int32.
func NextToken(t Token) Token {
	t = OwnerToken(t) + 2
	if t < FirstConnToken || t > maxConnToken {
		return FirstConnToken
	}
	return t
}
