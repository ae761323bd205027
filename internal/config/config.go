// Package config loads proxy settings from command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"socksd/internal/buffer"
)

type Config struct {
	Server  ServerConfig
	DNS     DNSConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Listen      netip.AddrPort
	BufferLimit int
}

type DNSConfig struct {
	Server  string // host:port; empty selects /etc/resolv.conf
	Timeout time.Duration
}

type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// Load parses args (without the program name).
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("socksd", pflag.ContinueOnError)
	fs.SortFlags = false

	var (
		listen      = fs.String("listen", "0.0.0.0:1080", "SOCKS5 listen address")
		port        = fs.IntP("port", "p", 0, "Port to listen on, overriding the port in --listen")
		bufferLimit = fs.Int("buffer-limit", buffer.DefaultLimit, "Maximum bytes buffered per direction per connection")
		dnsServer   = fs.String("dns-server", "", "Nameserver host:port for domain targets (default: first in /etc/resolv.conf)")
		dnsTimeout  = fs.Duration("dns-timeout", 5*time.Second, "Deadline for resolving one domain target, shared by all of its queries")
		logLevel    = fs.String("log-level", "info", "Log level: debug|info|warn|error")
		logFormat   = fs.String("log-format", "text", "Log format: text|json")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	addr, err := netip.ParseAddrPort(*listen)
	if err != nil {
		return nil, fmt.Errorf("invalid --listen: %w", err)
	}
	if fs.Changed("port") {
		if *port < 0 || *port > 65535 {
			return nil, fmt.Errorf("invalid --port: %d out of range", *port)
		}
		addr = netip.AddrPortFrom(addr.Addr(), uint16(*port))
	}

	if *bufferLimit < 512 {
		return nil, fmt.Errorf("invalid --buffer-limit: %d is below 512", *bufferLimit)
	}

	if *dnsServer != "" {
		if _, err := netip.ParseAddrPort(*dnsServer); err != nil {
			return nil, fmt.Errorf("invalid --dns-server: %w", err)
		}
	}
	if *dnsTimeout <= 0 {
		return nil, errors.New("invalid --dns-timeout: must be > 0")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	format := strings.ToLower(strings.TrimSpace(*logFormat))
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid --log-format: %q", *logFormat)
	}

	return &Config{
		Server: ServerConfig{
			Listen:      addr,
			BufferLimit: *bufferLimit,
		},
		DNS: DNSConfig{
			Server:  *dnsServer,
			Timeout: *dnsTimeout,
		},
		Logging: LoggingConfig{
			Level:  level,
			Format: format,
		},
	}, nil
}
