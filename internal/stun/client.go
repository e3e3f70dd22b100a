package stun

import (
	"context"
	"fmt"
	"net/netip"

	"catmesh"
)

// PublicAddress shuffles servers and, for each in turn, opens a fresh UDP
// socket and sends a plain Binding Request, returning the first mapped
// address any server answers within timeout. It keeps trying subsequent
// servers on any per-server error.
func PublicAddress(ctx context.Context, servers []netip.AddrPort, timeout func() (Transport, error)) (netip.AddrPort, error) {
	if len(servers) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no servers; initialize first: %w", catmesh.ErrFatal)
	}

	for _, server := range Shuffle(servers) {
		mapped, err := queryOne(ctx, server, timeout)
		if err != nil {
			continue
		}
		return netip.AddrPortFrom(mapped.Addr, mapped.Port), nil
	}
	return netip.AddrPort{}, fmt.Errorf("no stun server answered: %w", catmesh.ErrTransient)
}

func queryOne(ctx context.Context, server netip.AddrPort, newTransport func() (Transport, error)) (MappedAddress, error) {
	transport, err := newTransport()
	if err != nil {
		return MappedAddress{}, err
	}
	defer transport.Close()

	txid := newTxID()
	if err := transport.Send(ctx, server, BuildBindingRequest(txid, nil)); err != nil {
		return MappedAddress{}, err
	}

	msg, _, _, err := transport.Recv(ctx, defaultQueryTimeout)
	if err != nil {
		return MappedAddress{}, err
	}
	return ParseBindingResponse(msg)
}
