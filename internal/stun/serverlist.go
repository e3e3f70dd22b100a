package stun

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"catmesh"
)

// ServerList is a bootstrapped, resolved set of STUN servers: a plain
// general-purpose list and an RFC-5780-capable list for NAT classification.
type ServerList struct {
	General     []netip.AddrPort
	NATCapable  []netip.AddrPort
}

// FetchServerList downloads generalURL and natURL — each newline-delimited
// "host:port" or "[v6addr]:port", with "#"-prefixed and blank lines
// ignored — resolves every hostname, and keeps only addresses matching
// family (4 or 6; 0 for both).
func FetchServerList(ctx context.Context, client *http.Client, generalURL, natURL string, family int) (ServerList, error) {
	general, err := fetchAndResolve(ctx, client, generalURL, family)
	if err != nil {
		return ServerList{}, fmt.Errorf("fetch general stun server list: %w", err)
	}
	nat, err := fetchAndResolve(ctx, client, natURL, family)
	if err != nil {
		return ServerList{}, fmt.Errorf("fetch nat-capable stun server list: %w", err)
	}
	if len(general) == 0 || len(nat) == 0 {
		return ServerList{}, fmt.Errorf("no servers; initialize first: %w", catmesh.ErrFatal)
	}
	return ServerList{General: general, NATCapable: nat}, nil
}

func fetchAndResolve(ctx context.Context, client *http.Client, url string, family int) ([]netip.AddrPort, error) {
	lines, err := fetchLines(ctx, client, url)
	if err != nil {
		return nil, err
	}

	var out []netip.AddrPort
	for _, line := range lines {
		addrs, err := resolveHostPort(ctx, line, family)
		if err != nil {
			continue // one bad entry doesn't sink the whole list
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func fetchLines(ctx context.Context, client *http.Client, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w: %w", url, catmesh.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d: %w", url, resp.StatusCode, catmesh.ErrTransient)
	}

	var lines []string
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, 1<<20))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func resolveHostPort(ctx context.Context, hostport string, family int) ([]netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", hostport, err)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return nil, fmt.Errorf("parse port in %q: %w", hostport, err)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !familyMatches(addr, family) {
			return nil, nil
		}
		return []netip.AddrPort{netip.AddrPortFrom(addr, uint16(port))}, nil
	}

	network := "ip"
	switch family {
	case 4:
		network = "ip4"
	case 6:
		network = "ip6"
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w: %w", host, catmesh.ErrTransient, err)
	}

	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !familyMatches(addr, family) {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr, uint16(port)))
	}
	return out, nil
}

func familyMatches(addr netip.Addr, family int) bool {
	switch family {
	case 4:
		return addr.Is4()
	case 6:
		return addr.Is6()
	default:
		return true
	}
}

// Shuffle returns a copy of servers in randomized order, so repeated
// queries don't hammer the same server first every time.
func Shuffle(servers []netip.AddrPort) []netip.AddrPort {
	out := make([]netip.AddrPort, len(servers))
	copy(out, servers)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// defaultQueryTimeout is the per-server wait before trying the next one.
const defaultQueryTimeout = 5 * time.Second
