//go:build !linux

package netlinkif

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"

	"catmesh"
)

func errUnsupported(op string) error {
	return fmt.Errorf("netlinkif: %s not supported on %s: %w", op, runtime.GOOS, catmesh.ErrFatal)
}

func GetIndex(_ context.Context, _ string) (int, error) { return 0, errUnsupported("get_index") }

func GetMTU(_ context.Context, _ string) (int, error) { return 0, errUnsupported("get_mtu") }

func LinkUpWithMTU(_ context.Context, _ string, _ int) error { return errUnsupported("link_up_with_mtu") }

func LinkDown(_ context.Context, _ string) error { return errUnsupported("link_down") }

func AddAddr(_ context.Context, _ string, _ netip.Prefix) error { return errUnsupported("add_addr") }

func DelAddr(_ context.Context, _ string, _ netip.Prefix) error { return errUnsupported("del_addr") }

func GetAddrs(_ context.Context, _ string) ([]netip.Prefix, error) {
	return nil, errUnsupported("get_addrs")
}
