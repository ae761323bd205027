// Package relay pumps bytes between the client and upstream sockets of a
// negotiated connection.
package relay

import (
	"fmt"
	"log/slog"

	"socksd/internal/buffer"
	"socksd/internal/domain"
)

type Relay struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Relay {
	return &Relay{log: log}
}

// Begin takes over a connection whose bind reply has been written. It pumps
// right away: the client may have pipelined data behind its request, and
// readiness already reported for either socket will not be reported again.
func (rl *Relay) Begin(c *domain.Conn, _ domain.Registry, token domain.Token) error {
	rl.log.Debug("Relay started", "token", token, "session", c.ID, "client", c.PeerAddr)
	return rl.Pump(c)
}

// Pump moves bytes in both directions until neither socket can make
// progress. In carries client to upstream, Out carries upstream to client.
// Once both directions have seen end of stream and been flushed the
// connection is marked closed.
func (rl *Relay) Pump(c *domain.Conn) error {
	if c.Upstream == nil {
		return fmt.Errorf("relay: token %d has no upstream", c.Token)
	}

	for {
		up, err := forward(c.Downstream, c.Upstream, c.In, &c.DownstreamEOF, &c.UpstreamShut)
		if err != nil {
			return fmt.Errorf("relay client->upstream: %w", err)
		}
		down, err := forward(c.Upstream, c.Downstream, c.Out, &c.UpstreamEOF, &c.ClientShut)
		if err != nil {
			return fmt.Errorf("relay upstream->client: %w", err)
		}
		if up == 0 && down == 0 {
			break
		}
		rl.log.Debug("Data transfer", "token", c.Token, "up", up, "down", down)
	}

	if c.UpstreamShut && c.ClientShut {
		c.SetState(domain.StateClosed)
	}
	return nil
}

// forward fills b from src and drains it into dst, returning the number of
// bytes moved. When src has ended and b is empty, dst is half-closed.
func forward(src, dst domain.Socket, b *buffer.Buffer, srcEOF, dstShut *bool) (int, error) {
	moved := 0
	if !*srcEOF {
		n, eof, err := b.Fill(src)
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		moved += n
		*srcEOF = eof
	}

	n, err := b.Drain(dst)
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	moved += n

	if *srcEOF && b.Len() == 0 && !*dstShut {
		*dstShut = true
		if err := dst.CloseWrite(); err != nil {
			return 0, fmt.Errorf("shutdown: %w", err)
		}
	}
	return moved, nil
}
