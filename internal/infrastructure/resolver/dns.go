// Package resolver looks up CONNECT targets given as domain names.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"socksd/internal/domain"
)

const (
	resolvConf     = "/etc/resolv.conf"
	hostsFile      = "/etc/hosts"
	fallbackServer = "8.8.8.8:53"
)

// DNSResolver answers from the hosts file first and then queries one
// recursive nameserver for A and AAAA records, expanding short names with the
// resolv.conf search list. Lookups are synchronous.
type DNSResolver struct {
	log     *slog.Logger
	server  string
	conf    *dns.ClientConfig
	hosts   hostsTable
	timeout time.Duration
}

// New reads /etc/resolv.conf and /etc/hosts once. An empty server selects the
// first nameserver in resolv.conf.
func New(log *slog.Logger, server string, timeout time.Duration) *DNSResolver {
	return newResolver(log, server, timeout, resolvConf, hostsFile)
}

func newResolver(log *slog.Logger, server string, timeout time.Duration, confPath, hostsPath string) *DNSResolver {
	conf := loadClientConfig(confPath)
	if server == "" {
		server = serverFrom(conf)
	}

	hosts, err := loadHosts(hostsPath)
	if err != nil {
		log.Warn("Failed to read hosts file", "path", hostsPath, "error", err)
	}

	return &DNSResolver{
		log:     log,
		server:  server,
		conf:    conf,
		hosts:   hosts,
		timeout: timeout,
	}
}

// DefaultServer returns the first nameserver from /etc/resolv.conf, or a
// public resolver when none is configured.
func DefaultServer() string {
	return serverFrom(loadClientConfig(resolvConf))
}

func loadClientConfig(path string) *dns.ClientConfig {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return &dns.ClientConfig{Port: "53", Ndots: 1}
	}
	return conf
}

func serverFrom(conf *dns.ClientConfig) string {
	if len(conf.Servers) == 0 {
		return fallbackServer
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

func (r *DNSResolver) Server() string { return r.server }

// Resolve returns IPv4 addresses first, then IPv6. IP literals are returned
// without a query. Every nameserver query for one host shares a single
// deadline of the configured timeout.
func (r *DNSResolver) Resolve(host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	if addrs := r.hosts.lookup(host); len(addrs) > 0 {
		r.log.Debug("Resolved from hosts file", "domain", host, "ip", addrs[0])
		return addrs, nil
	}
	if strings.EqualFold(strings.TrimSuffix(host, "."), "localhost") {
		return []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, 1}), netip.IPv6Loopback()}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var errs []error
	for _, name := range r.conf.NameList(host) {
		addrs, err := r.lookup(ctx, name)
		if len(addrs) > 0 {
			r.log.Debug("DNS Resolved", "domain", host, "name", name, "ip", addrs[0], "count", len(addrs))
			return addrs, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, fmt.Errorf("%s: %w", host, domain.ErrResolutionFailed)
}

// lookup queries A then AAAA for a fully qualified name.
func (r *DNSResolver) lookup(ctx context.Context, name string) ([]netip.Addr, error) {
	var (
		addrs []netip.Addr
		errs  []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, name, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
	}
	return addrs, errors.Join(errs...)
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	// The client timeout bounds the read; cap it at what is left of the deadline.
	deadline, _ := ctx.Deadline()
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, fmt.Errorf("%s %s via %s: %w", dns.TypeToString[qtype], name, r.server, context.DeadlineExceeded)
	}
	client := &dns.Client{Net: "udp", Timeout: remaining}

	in, _, err := client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("%s %s via %s: %w", dns.TypeToString[qtype], name, r.server, err)
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%s %s: %s: %w", dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode], domain.ErrResolutionFailed)
	default:
		return nil, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	for _, ans := range in.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				addrs = append(addrs, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, a)
			}
		}
	}
	return addrs, nil
}
