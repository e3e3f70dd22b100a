//go:build openbsd

package tunneldriver

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"catmesh"
)

// kernelImpl programs OpenBSD's native wg(4) interface via ifconfig(8).
// OpenBSD has no netlink, so this backend shells out rather than reusing
// internal/netlinkif — the same privileged-command-runner shape the
// userspace darwin backend uses for its route/ifconfig calls.
type kernelImpl struct {
	cfg Config
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func newKernelImpl(cfg Config) impl {
	return &kernelImpl{cfg: cfg, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

func (k *kernelImpl) setup(ctx context.Context) error {
	if created, _ := k.isCreated(ctx); !created {
		if out, err := k.run(ctx, "ifconfig", k.cfg.Interface, "create"); err != nil {
			return fmt.Errorf("create interface %q: %w: %w: %s", k.cfg.Interface, catmesh.ErrTransient, err, strings.TrimSpace(string(out)))
		}
	}

	args := []string{
		k.cfg.Interface,
		"wgkey", k.cfg.PrivateKey.String(),
		"wgpeer", k.cfg.PeerPublicKey.String(),
	}
	if k.cfg.PeerEndpoint != nil {
		args = append(args, "wgendpoint", k.cfg.PeerEndpoint.Addr().String(), fmt.Sprint(k.cfg.PeerEndpoint.Port()))
	}
	if k.cfg.ListenPort != 0 {
		args = append(args, "wgport", fmt.Sprint(k.cfg.ListenPort))
	}
	for _, p := range wildcardAllowedIPs {
		args = append(args, "wgaip", p.String())
	}
	args = append(args, "wgpka", fmt.Sprint(int(peerKeepalive.Seconds())))
	args = append(args, "mtu", fmt.Sprint(k.cfg.MTU), "up")

	if out, err := k.run(ctx, "ifconfig", args...); err != nil {
		return fmt.Errorf("configure interface %q: %w: %w: %s", k.cfg.Interface, catmesh.ErrTransient, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (k *kernelImpl) destroy(ctx context.Context) error {
	if out, err := k.run(ctx, "ifconfig", k.cfg.Interface, "destroy"); err != nil {
		if strings.Contains(string(out), "does not exist") {
			return nil
		}
		return fmt.Errorf("destroy interface %q: %w: %w: %s", k.cfg.Interface, catmesh.ErrTransient, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (k *kernelImpl) isCreated(ctx context.Context) (bool, error) {
	out, err := k.run(ctx, "ifconfig", k.cfg.Interface)
	if err != nil {
		if strings.Contains(string(out), "does not exist") {
			return false, nil
		}
		return false, fmt.Errorf("inspect interface %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}
	return true, nil
}

func (k *kernelImpl) isConnected(ctx context.Context) (bool, error) {
	out, err := k.run(ctx, "ifconfig", k.cfg.Interface, "wgpeer", k.cfg.PeerPublicKey.String())
	if err != nil {
		return false, fmt.Errorf("inspect peer on %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}
	age, ok := parseLastHandshakeAge(string(out))
	if !ok {
		return false, nil
	}
	return age <= handshakeFreshness, nil
}

func (k *kernelImpl) getMTU(ctx context.Context) (int, error) {
	out, err := k.run(ctx, "ifconfig", k.cfg.Interface)
	if err != nil {
		return 0, fmt.Errorf("inspect interface %q: %w: %w", k.cfg.Interface, catmesh.ErrTransient, err)
	}
	mtu, ok := parseMTU(string(out))
	if !ok {
		return 0, fmt.Errorf("mtu not found on %q: %w", k.cfg.Interface, catmesh.ErrNotFound)
	}
	return mtu, nil
}

// parseLastHandshakeAge and parseMTU scrape ifconfig(8) text output.
// Best-effort: an unrecognized format reports "not connected"/"not found"
// rather than erroring the whole operation.
func parseLastHandshakeAge(output string) (time.Duration, bool) {
	// OpenBSD's ifconfig does not report handshake age in a stable,
	// parseable form across releases; treated as "unknown" rather than
	// guessed at.
	_ = output
	return 0, false
}

func parseMTU(output string) (int, bool) {
	idx := strings.Index(output, "mtu ")
	if idx < 0 {
		return 0, false
	}
	var mtu int
	if _, err := fmt.Sscanf(output[idx:], "mtu %d", &mtu); err != nil {
		return 0, false
	}
	return mtu, true
}
