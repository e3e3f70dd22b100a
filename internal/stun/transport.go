package stun

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"catmesh"
)

// Transport sends and receives STUN messages on one shared UDP socket,
// recovering the local interface address a response arrived on — the
// discipline RFC 5780's four-test NAT classification depends on.
type Transport interface {
	Send(ctx context.Context, to netip.AddrPort, msg []byte) error
	Recv(ctx context.Context, timeout time.Duration) (msg []byte, from netip.AddrPort, local netip.AddrPort, err error)
	LocalAddr() netip.AddrPort
	Close() error
}

// udpTransport is the production Transport: one socket, bound once, used
// for every test in a classification run so the source 4-tuple never
// changes.
type udpTransport struct {
	conn   *net.UDPConn
	pconn4 *ipv4.PacketConn // non-nil when PKTINFO is available, for local-address recovery
}

// NewUDPTransport binds a fresh socket to "0.0.0.0:0" (or "[::]:0" for
// v6) and enables IP_PKTINFO so the destination address of each received
// datagram — the "not behind NAT" baseline — can be recovered.
func NewUDPTransport(v6 bool) (Transport, error) {
	laddr := "0.0.0.0:0"
	if v6 {
		laddr = "[::]:0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local bind address: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w: %w", catmesh.ErrTransient, err)
	}

	t := &udpTransport{conn: conn}
	if !v6 {
		pconn := ipv4.NewPacketConn(conn)
		if err := pconn.SetControlMessage(ipv4.FlagDst, true); err == nil {
			t.pconn4 = pconn
		}
	}
	return t, nil
}

func (t *udpTransport) Send(ctx context.Context, to netip.AddrPort, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.conn.WriteToUDPAddrPort(msg, to)
	if err != nil {
		return fmt.Errorf("send stun request to %s: %w: %w", to, catmesh.ErrTransient, err)
	}
	return nil
}

func (t *udpTransport) Recv(ctx context.Context, timeout time.Duration) ([]byte, netip.AddrPort, netip.AddrPort, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, 1500)

	if t.pconn4 != nil {
		if err := t.pconn4.SetReadDeadline(deadline); err != nil {
			return nil, netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("set read deadline: %w", err)
		}
		n, cm, from, err := t.pconn4.ReadFrom(buf)
		if err != nil {
			return nil, netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("receive stun response: %w: %w", catmesh.ErrTransient, err)
		}
		fromAddrPort := udpAddrPort(from)
		local := t.LocalAddr()
		if cm != nil {
			if addr, ok := netip.AddrFromSlice(cm.Dst); ok {
				local = netip.AddrPortFrom(addr.Unmap(), local.Port())
			}
		}
		return buf[:n], fromAddrPort, local, nil
	}

	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("set read deadline: %w", err)
	}
	n, from, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("receive stun response: %w: %w", catmesh.ErrTransient, err)
	}
	return buf[:n], from, t.LocalAddr(), nil
}

func (t *udpTransport) LocalAddr() netip.AddrPort {
	addr := t.conn.LocalAddr().(*net.UDPAddr)
	a, _ := netip.AddrFromSlice(addr.IP)
	return netip.AddrPortFrom(a.Unmap(), uint16(addr.Port))
}

func (t *udpTransport) Close() error { return t.conn.Close() }

// defaultSendRate caps outgoing Binding Requests so a classification run
// (four tests) or a public-address server fan-out never bursts enough
// traffic to look like a flood to a middlebox or to the STUN server
// itself.
const defaultSendRate = 10 // requests per second

// rateLimitedTransport wraps a Transport with a token bucket applied to
// Send only; Recv is untouched since pacing receives would just add
// latency without protecting anything.
type rateLimitedTransport struct {
	Transport
	limiter *rate.Limiter
}

// NewRateLimitedTransport wraps transport so Send waits for a token
// before writing, pacing a classifier or public-address query's request
// rate to one server at a time (spec §4.D per-server send pacing).
func NewRateLimitedTransport(transport Transport) Transport {
	return &rateLimitedTransport{Transport: transport, limiter: rate.NewLimiter(rate.Limit(defaultSendRate), 1)}
}

func (t *rateLimitedTransport) Send(ctx context.Context, to netip.AddrPort, msg []byte) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit stun send: %w", err)
	}
	return t.Transport.Send(ctx, to, msg)
}

func udpAddrPort(a net.Addr) netip.AddrPort {
	u, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	addr, _ := netip.AddrFromSlice(u.IP)
	return netip.AddrPortFrom(addr.Unmap(), uint16(u.Port))
}
