package tunneldriver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"catmesh"
)

// userspaceImpl runs wireguard-go in-process against a TUN device. It is
// the fallback backend on platforms without a kernel WireGuard module,
// and is selectable anywhere via Config.ForceUserspace.
type userspaceImpl struct {
	cfg Config

	mu  sync.Mutex
	dev *device.Device
}

func newUserspaceImpl(cfg Config) impl {
	return &userspaceImpl{cfg: cfg}
}

func (u *userspaceImpl) setup(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.dev != nil {
		return u.reconfigureLocked()
	}

	tunDev, err := tun.CreateTUN(u.cfg.Interface, u.cfg.MTU)
	if err != nil {
		return fmt.Errorf("create tun device %q: %w: %w", u.cfg.Interface, catmesh.ErrTransient, err)
	}

	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), device.NewLogger(device.LogLevelSilent, ""))
	u.dev = dev

	if err := u.reconfigureLocked(); err != nil {
		dev.Close()
		u.dev = nil
		return err
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		u.dev = nil
		return fmt.Errorf("bring up tunnel %q: %w: %w", u.cfg.Interface, catmesh.ErrTransient, err)
	}
	return nil
}

func (u *userspaceImpl) reconfigureLocked() error {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%x\n", u.cfg.PrivateKey[:])
	if u.cfg.ListenPort != 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", u.cfg.ListenPort)
	}
	fmt.Fprintf(&b, "replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%x\n", u.cfg.PeerPublicKey[:])
	if u.cfg.PeerEndpoint != nil {
		fmt.Fprintf(&b, "endpoint=%s\n", u.cfg.PeerEndpoint.String())
	}
	for _, p := range wildcardAllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", p.String())
	}
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(peerKeepalive.Seconds()))

	if err := u.dev.IpcSet(b.String()); err != nil {
		return fmt.Errorf("configure tunnel %q: %w: %w", u.cfg.Interface, catmesh.ErrTransient, err)
	}
	return nil
}

func (u *userspaceImpl) destroy(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.dev == nil {
		return nil
	}
	u.dev.Close()
	u.dev = nil
	return nil
}

func (u *userspaceImpl) isCreated(_ context.Context) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dev != nil, nil
}

func (u *userspaceImpl) isConnected(_ context.Context) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.dev == nil {
		return false, nil
	}

	raw, err := u.dev.IpcGet()
	if err != nil {
		return false, fmt.Errorf("inspect tunnel %q: %w: %w", u.cfg.Interface, catmesh.ErrTransient, err)
	}

	age, ok := parseLastHandshakeIPC(raw)
	if !ok {
		return false, nil
	}
	return age <= handshakeFreshness, nil
}

func (u *userspaceImpl) getMTU(_ context.Context) (int, error) {
	return u.cfg.MTU, nil
}

// parseLastHandshakeIPC scans wireguard-go's IpcGet text protocol for the
// single peer's last_handshake_time_sec line.
func parseLastHandshakeIPC(raw string) (time.Duration, bool) {
	for _, line := range strings.Split(raw, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k != "last_handshake_time_sec" {
			continue
		}
		var sec int64
		if _, err := fmt.Sscanf(v, "%d", &sec); err != nil || sec == 0 {
			return 0, false
		}
		return time.Since(time.Unix(sec, 0)), true
	}
	return 0, false
}
