package resolver

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"strings"
)

// hostsTable maps lower-cased names without a trailing dot to their
// addresses, IPv4 before IPv6.
type hostsTable map[string][]netip.Addr

func loadHosts(path string) (hostsTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return hostsTable{}, nil
		}
		return hostsTable{}, err
	}
	defer f.Close()

	return parseHosts(f)
}

func parseHosts(r io.Reader) (hostsTable, error) {
	t := hostsTable{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		addr = addr.Unmap().WithZone("")
		for _, name := range fields[1:] {
			t.add(hostsKey(name), addr)
		}
	}
	return t, sc.Err()
}

func (t hostsTable) add(name string, addr netip.Addr) {
	addrs := t[name]
	for _, a := range addrs {
		if a == addr {
			return
		}
	}
	if addr.Is4() {
		i := 0
		for i < len(addrs) && addrs[i].Is4() {
			i++
		}
		addrs = append(addrs[:i], append([]netip.Addr{addr}, addrs[i:]...)...)
	} else {
		addrs = append(addrs, addr)
	}
	t[name] = addrs
}

func (t hostsTable) lookup(host string) []netip.Addr {
	return t[hostsKey(host)]
}

func hostsKey(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
