// Package tunneldriver programs a single WireGuard tunnel device: one
// interface, one peer, a fixed keepalive, and the two wildcard
// AllowedIPs. The backend — kernel, kernel on OpenBSD, or userspace — is
// a closed tagged union selected once at construction, never a runtime
// interface with type assertions (the matrix of backends is small and
// fixed; a switch is cheaper to audit than dynamic dispatch).
package tunneldriver

import (
	"context"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// peerKeepalive is the fixed persistent-keepalive applied to every peer.
const peerKeepalive = 25 * time.Second

// handshakeFreshness is the maximum handshake age for IsConnected.
const handshakeFreshness = 180 * time.Second

// backend identifies which concrete implementation a Tunnel wraps.
type backend uint8

const (
	backendKernel backend = iota
	backendUserspace
	backendStub
)

// Config is a single tunnel's device configuration.
type Config struct {
	Interface      string
	MTU            int
	PrivateKey     wgtypes.Key
	PeerPublicKey  wgtypes.Key
	PeerEndpoint   *netip.AddrPort // nil if the peer hasn't published one yet
	ListenPort     int             // 0 lets the kernel/OS choose
	ForceUserspace bool
}

// impl is what each backend must provide. Implementations are unexported;
// Tunnel is the only type callers touch.
type impl interface {
	setup(ctx context.Context) error
	destroy(ctx context.Context) error
	isCreated(ctx context.Context) (bool, error)
	isConnected(ctx context.Context) (bool, error)
	getMTU(ctx context.Context) (int, error)
}

// Tunnel is a single WireGuard tunnel device, backed by one of a closed
// set of platform implementations.
type Tunnel struct {
	cfg     Config
	backend backend
	impl    impl
}

// New constructs a Tunnel for cfg, selecting the backend for the current
// platform unless cfg.ForceUserspace overrides it.
func New(cfg Config) *Tunnel {
	b := selectBackend(cfg.ForceUserspace)
	t := &Tunnel{cfg: cfg, backend: b}
	switch b {
	case backendKernel:
		t.impl = newKernelImpl(cfg)
	case backendUserspace:
		t.impl = newUserspaceImpl(cfg)
	default:
		t.impl = newStubImpl(cfg)
	}
	return t
}

// InterfaceName returns the configured interface name.
func (t *Tunnel) InterfaceName() string { return t.cfg.Interface }

// Setup idempotently creates or updates the device to match cfg.
func (t *Tunnel) Setup(ctx context.Context) error { return t.impl.setup(ctx) }

// Destroy deletes the device. Deleting an already-absent device is not
// an error.
func (t *Tunnel) Destroy(ctx context.Context) error { return t.impl.destroy(ctx) }

// IsCreated probes whether the device currently exists on the OS.
func (t *Tunnel) IsCreated(ctx context.Context) (bool, error) { return t.impl.isCreated(ctx) }

// IsConnected reports whether the peer's last handshake is within
// handshakeFreshness of now.
func (t *Tunnel) IsConnected(ctx context.Context) (bool, error) { return t.impl.isConnected(ctx) }

// GetMTU delegates to the interface adapter.
func (t *Tunnel) GetMTU(ctx context.Context) (int, error) { return t.impl.getMTU(ctx) }

var wildcardAllowedIPs = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/0"),
	netip.MustParsePrefix("::/0"),
}
