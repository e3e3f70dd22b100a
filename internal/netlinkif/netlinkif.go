//go:build linux

// Package netlinkif adapts github.com/vishvananda/netlink into the narrow
// set of operations the tunnel driver and reconciler need on a named
// interface: index lookup, address add/remove/list, and link up/down/MTU.
//
// Every function opens its own netlink.Handle and closes it before
// returning, on every exit path — no ambient connection is pooled across
// calls. This trades a little throughput for eliminating an entire class
// of cross-call state leakage; see the package's callers for why that
// trade is worth it here.
package netlinkif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"catmesh"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// GetIndex resolves name to its kernel interface index.
func GetIndex(ctx context.Context, name string) (int, error) {
	link, h, err := open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer h.Delete()
	return link.Attrs().Index, nil
}

// GetMTU returns the interface's current MTU.
func GetMTU(ctx context.Context, name string) (int, error) {
	link, h, err := open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer h.Delete()
	return link.Attrs().MTU, nil
}

// LinkUpWithMTU sets the interface's MTU (if it differs) and brings the
// link up. Idempotent: calling it twice with the same mtu on an already-up
// link is a no-op.
func LinkUpWithMTU(ctx context.Context, name string, mtu int) error {
	link, h, err := open(ctx, name)
	if err != nil {
		return err
	}
	defer h.Delete()

	if link.Attrs().MTU != mtu {
		if err := h.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set mtu on %q: %w: %w", name, catmesh.ErrTransient, err)
		}
	}
	if link.Attrs().Flags&unix.IFF_UP == 0 {
		if err := h.LinkSetUp(link); err != nil {
			return fmt.Errorf("set %q up: %w: %w", name, catmesh.ErrTransient, err)
		}
	}
	return nil
}

// LinkDown brings the interface down. A missing interface is not an
// error — there is nothing left to bring down.
func LinkDown(ctx context.Context, name string) error {
	link, h, err := open(ctx, name)
	if err != nil {
		if errors.Is(err, catmesh.ErrNotFound) {
			return nil
		}
		return err
	}
	defer h.Delete()

	if err := h.LinkSetDown(link); err != nil {
		return fmt.Errorf("set %q down: %w: %w", name, catmesh.ErrTransient, err)
	}
	return nil
}

// AddAddr adds prefix to the interface. Already-present addresses are
// treated as success.
func AddAddr(ctx context.Context, name string, prefix netip.Prefix) error {
	link, h, err := open(ctx, name)
	if err != nil {
		return err
	}
	defer h.Delete()

	addr := &netlink.Addr{IPNet: toIPNet(prefix)}
	if err := h.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("add address %s on %q: %w: %w", prefix, name, catmesh.ErrTransient, err)
	}
	return nil
}

// DelAddr removes prefix from the interface. An already-absent address
// is treated as success.
func DelAddr(ctx context.Context, name string, prefix netip.Prefix) error {
	link, h, err := open(ctx, name)
	if err != nil {
		return err
	}
	defer h.Delete()

	addr := &netlink.Addr{IPNet: toIPNet(prefix)}
	if err := h.AddrDel(link, addr); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
		return fmt.Errorf("remove address %s on %q: %w: %w", prefix, name, catmesh.ErrTransient, err)
	}
	return nil
}

// GetAddrs lists the interface's current addresses, all families.
func GetAddrs(ctx context.Context, name string) ([]netip.Prefix, error) {
	link, h, err := open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer h.Delete()

	addrs, err := h.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list addresses on %q: %w: %w", name, catmesh.ErrTransient, err)
	}

	out := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		prefix, err := fromIPNet(*a.IPNet)
		if err != nil {
			continue
		}
		out = append(out, prefix)
	}
	return out, nil
}

// open resolves name on a fresh netlink connection, returning both the
// link and the handle so the caller can reuse the same connection for a
// follow-up mutation before releasing it.
func open(ctx context.Context, name string) (netlink.Link, *netlink.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h, err := netlink.NewHandle()
	if err != nil {
		return nil, nil, fmt.Errorf("open netlink connection: %w: %w", catmesh.ErrTransient, err)
	}

	link, err := h.LinkByName(name)
	if err != nil {
		h.Delete()
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("interface %q: %w", name, catmesh.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("lookup interface %q: %w: %w", name, catmesh.ErrTransient, err)
	}
	return link, h, nil
}

func toIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
}

func fromIPNet(n net.IPNet) (netip.Prefix, error) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid address %v", n.IP)
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), nil
}
