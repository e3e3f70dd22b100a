//go:build linux

package tunneldriver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"catmesh"
	"catmesh/internal/netlinkif"
)

// kernelImpl programs the Linux in-kernel WireGuard module for a single
// interface/peer pair.
type kernelImpl struct {
	cfg Config
}

func newKernelImpl(cfg Config) impl { return &kernelImpl{cfg: cfg} }

func (k *kernelImpl) setup(ctx context.Context) error {
	if err := k.ensureLink(ctx); err != nil {
		return err
	}

	wg, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("open wireguard control socket: %w: %w", catmesh.ErrTransient, err)
	}
	defer wg.Close()

	port := k.cfg.ListenPort
	wgCfg := wgtypes.Config{
		PrivateKey:   &k.cfg.PrivateKey,
		ListenPort:   &port,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{k.peerConfig()},
	}
	if err := wg.ConfigureDevice(k.cfg.Interface, wgCfg); err != nil {
		return fmt.Errorf("configure wireguard device %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}

	return netlinkif.LinkUpWithMTU(ctx, k.cfg.Interface, k.cfg.MTU)
}

func (k *kernelImpl) peerConfig() wgtypes.PeerConfig {
	allowedIPs := make([]net.IPNet, len(wildcardAllowedIPs))
	for i, p := range wildcardAllowedIPs {
		bits := 32
		if p.Addr().Is6() {
			bits = 128
		}
		allowedIPs[i] = net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
	}

	pc := wgtypes.PeerConfig{
		PublicKey:                   k.cfg.PeerPublicKey,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  allowedIPs,
		PersistentKeepaliveInterval: durationPtr(peerKeepalive),
	}
	if k.cfg.PeerEndpoint != nil {
		pc.Endpoint = &net.UDPAddr{
			IP:   k.cfg.PeerEndpoint.Addr().AsSlice(),
			Port: int(k.cfg.PeerEndpoint.Port()),
		}
	}
	return pc
}

func (k *kernelImpl) destroy(_ context.Context) error {
	link, err := netlink.LinkByName(k.cfg.Interface)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if asLinkNotFound(err, &notFound) {
			return nil
		}
		return fmt.Errorf("find interface %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete interface %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}
	return nil
}

func (k *kernelImpl) isCreated(_ context.Context) (bool, error) {
	_, err := netlink.LinkByName(k.cfg.Interface)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if asLinkNotFound(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("find interface %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
}

func (k *kernelImpl) isConnected(_ context.Context) (bool, error) {
	wg, err := wgctrl.New()
	if err != nil {
		return false, fmt.Errorf("open wireguard control socket: %w: %w", catmesh.ErrTransient, err)
	}
	defer wg.Close()

	dev, err := wg.Device(k.cfg.Interface)
	if err != nil {
		return false, fmt.Errorf("inspect wireguard device %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}

	for _, p := range dev.Peers {
		if p.PublicKey == k.cfg.PeerPublicKey {
			return !p.LastHandshakeTime.IsZero() && time.Since(p.LastHandshakeTime) <= handshakeFreshness, nil
		}
	}
	return false, nil
}

func (k *kernelImpl) getMTU(ctx context.Context) (int, error) {
	return netlinkif.GetMTU(ctx, k.cfg.Interface)
}

// ensureLink creates the wireguard-typed link if absent. Link type
// creation isn't one of the generic netlinkif operations — it's specific
// to this backend — so it's done directly against netlink here.
func (k *kernelImpl) ensureLink(ctx context.Context) error {
	_, err := netlink.LinkByName(k.cfg.Interface)
	if err == nil {
		return nil
	}
	var notFound netlink.LinkNotFoundError
	if !asLinkNotFound(err, &notFound) {
		return fmt.Errorf("find interface %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}

	link := &netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{Name: k.cfg.Interface},
		LinkType:  "wireguard",
	}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("create interface %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}
	return nil
}

func asLinkNotFound(err error, target *netlink.LinkNotFoundError) bool {
	le, ok := err.(netlink.LinkNotFoundError)
	if ok {
		*target = le
	}
	return ok
}

func durationPtr(d time.Duration) *time.Duration { return &d }
