// Package reconciler owns the node-local tunnel mapping (§3) and
// converges it toward the controller's declared tunnel set. It is
// directly evolved from a subscribe/diff/reconcile loop over a single
// WireGuard device's peer set, retargeted here to a per-tunnel-id state
// machine where every tunnel gets its own derived interface.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.org/x/crypto/blake2s"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"catmesh"
	"catmesh/internal/check"
	"catmesh/internal/ifname"
	"catmesh/internal/netlinkif"
	"catmesh/internal/tunneldriver"
)

// record is the node-local tunnel memory for one tunnel id: the driver
// configuration plus the bits needed to detect a change in shape.
type record struct {
	tunnelID     int64
	peerNodeID   int64
	ipv6         bool
	fec, faketcp bool
	mtu          int
	ifaceName    string
	tunnel       *tunneldriver.Tunnel
	activated    bool
}

// Reconciler is the single owner of the node-local tunnel mapping. All
// mutation is serialized per tunnel id; different ids reconcile in
// parallel. The mutex below guards only map membership, never the
// per-tunnel work itself (§5).
type Reconciler struct {
	privateKey wgtypes.Key

	mu      sync.Mutex
	records map[int64]*record
	locks   map[int64]*sync.Mutex
}

// New creates a Reconciler for a node identified by privateKey.
func New(privateKey wgtypes.Key) *Reconciler {
	return &Reconciler{
		privateKey: privateKey,
		records:    make(map[int64]*record),
		locks:      make(map[int64]*sync.Mutex),
	}
}

// tunnelLock returns (creating if absent) the per-tunnel-id mutex,
// itself guarded only briefly by the map mutex.
func (r *Reconciler) tunnelLock(tunnelID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[tunnelID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tunnelID] = l
	}
	return l
}

// Upsert reconciles one controller-assigned tunnel view into OS state.
// activate requests that, beyond being configured in memory, the
// interface actually be brought up (ensure_up run) — the outer loop
// controls that, not the create path itself.
func (r *Reconciler) Upsert(ctx context.Context, view catmesh.TunnelView, activate bool) error {
	peerKey, err := wgtypes.ParseKey(view.PeerPublicKey)
	if err != nil {
		return &catmesh.ValidationError{Field: "peer_public_key", Message: err.Error()}
	}

	lock := r.tunnelLock(view.TunnelID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	rec, exists := r.records[view.TunnelID]
	r.mu.Unlock()

	if !exists {
		return r.create(ctx, view, peerKey, activate)
	}
	return r.update(ctx, rec, view, peerKey, activate)
}

// Remove tears down and forgets tunnelID. Removing an unknown id is a
// no-op — the outer loop may race a controller deletion against its own
// bookkeeping.
func (r *Reconciler) Remove(ctx context.Context, tunnelID int64) error {
	lock := r.tunnelLock(tunnelID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	rec, ok := r.records[tunnelID]
	if ok {
		delete(r.records, tunnelID)
	}
	delete(r.locks, tunnelID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := rec.tunnel.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy tunnel %d: %w", tunnelID, err)
	}
	return nil
}

// Known reports the tunnel ids currently held in memory, for the outer
// loop to diff against a freshly fetched controller list.
func (r *Reconciler) Known() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

func (r *Reconciler) create(ctx context.Context, view catmesh.TunnelView, peerKey wgtypes.Key, activate bool) error {
	name := deriveName(view)

	rec := &record{
		tunnelID:   view.TunnelID,
		peerNodeID: view.PeerNodeID,
		ipv6:       view.EndpointIPv6,
		fec:        view.FEC,
		faketcp:    view.FakeTCP,
		mtu:        view.MTU,
		ifaceName:  name,
		tunnel:     tunneldriver.New(driverConfig(name, view, r.privateKey, peerKey)),
	}

	r.mu.Lock()
	r.records[view.TunnelID] = rec
	r.mu.Unlock()

	if !activate {
		return nil
	}
	return r.activate(ctx, rec)
}

func (r *Reconciler) update(ctx context.Context, rec *record, view catmesh.TunnelView, peerKey wgtypes.Key, activate bool) error {
	if rec.peerNodeID != view.PeerNodeID {
		slog.Error("tunnel peer mismatch on update; aborting this tunnel's reconciliation",
			"tunnel_id", view.TunnelID, "expected_peer", rec.peerNodeID, "got_peer", view.PeerNodeID)
		return fmt.Errorf("tunnel %d: peer mismatch (%d != %d): %w", view.TunnelID, rec.peerNodeID, view.PeerNodeID, catmesh.ErrFatal)
	}

	if view.FEC != rec.fec || view.FakeTCP != rec.faketcp {
		// TODO: actuate fec/faketcp once the tunnel driver supports them.
		rec.fec, rec.faketcp = view.FEC, view.FakeTCP
	}

	if view.EndpointIPv6 != rec.ipv6 {
		return r.rebuildForIPv6Flip(ctx, rec, view, peerKey, activate)
	}

	rec.mtu = view.MTU
	rec.tunnel = tunneldriver.New(driverConfig(rec.ifaceName, view, r.privateKey, peerKey))

	if !activate && !rec.activated {
		return nil
	}
	return r.activate(ctx, rec)
}

// rebuildForIPv6Flip implements §8 scenario 6: a changed endpoint_ipv6
// changes the derived interface name, so the old device is torn down
// and a fresh one built (and re-activated if the old one had been).
func (r *Reconciler) rebuildForIPv6Flip(ctx context.Context, rec *record, view catmesh.TunnelView, peerKey wgtypes.Key, activate bool) error {
	wasActivated := rec.activated
	oldTunnel := rec.tunnel

	if created, _ := oldTunnel.IsCreated(ctx); created {
		if err := oldTunnel.Destroy(ctx); err != nil {
			return fmt.Errorf("tear down tunnel %d for ipv6 flip: %w", view.TunnelID, err)
		}
	}

	name := deriveName(view)
	check.Assertf(name != rec.ifaceName, "ipv6 flip produced the same interface name %q", name)

	rec.ipv6 = view.EndpointIPv6
	rec.mtu = view.MTU
	rec.ifaceName = name
	rec.tunnel = tunneldriver.New(driverConfig(name, view, r.privateKey, peerKey))
	rec.activated = false

	if !activate && !wasActivated {
		return nil
	}
	return r.activate(ctx, rec)
}

func (r *Reconciler) activate(ctx context.Context, rec *record) error {
	if err := rec.tunnel.Setup(ctx); err != nil {
		return fmt.Errorf("setup tunnel %d: %w", rec.tunnelID, err)
	}
	if err := EnsureUp(ctx, rec.ifaceName, rec.mtu); err != nil {
		return fmt.Errorf("ensure_up tunnel %d: %w", rec.tunnelID, err)
	}
	rec.activated = true
	return nil
}

func deriveName(view catmesh.TunnelView) string {
	return ifname.Derive(ifname.Fields{
		TunnelID:     uint16(view.TunnelID),
		PeerNodeID:   uint16(view.PeerNodeID),
		EndpointIPv6: view.EndpointIPv6,
		FEC:          view.FEC,
		FakeTCP:      view.FakeTCP,
	})
}

func driverConfig(name string, view catmesh.TunnelView, privateKey, peerKey wgtypes.Key) tunneldriver.Config {
	return tunneldriver.Config{
		Interface:     name,
		MTU:           view.MTU,
		PrivateKey:    privateKey,
		PeerPublicKey: peerKey,
		PeerEndpoint:  parseEndpoint(view.RemoteEndpoint),
		ListenPort:    int(view.PreferredPort),
	}
}

// EnsureUp idempotently converges a live interface's addresses and MTU:
// its sole address becomes the BLAKE2s-derived link-local address of its
// own name, and its MTU is brought to the target via a down/up cycle if
// it differs.
func EnsureUp(ctx context.Context, ifaceName string, targetMTU int) error {
	lla := derivedLinkLocal(ifaceName)

	addrs, err := netlinkif.GetAddrs(ctx, ifaceName)
	if err != nil {
		return fmt.Errorf("list addresses on %q: %w", ifaceName, err)
	}

	present := false
	for _, a := range addrs {
		if a.Addr() == lla.Addr() {
			present = true
			continue
		}
		if err := netlinkif.DelAddr(ctx, ifaceName, a); err != nil {
			return fmt.Errorf("remove stale address %s on %q: %w", a, ifaceName, err)
		}
	}
	if !present {
		if err := netlinkif.AddAddr(ctx, ifaceName, lla); err != nil {
			return fmt.Errorf("add link-local address %s on %q: %w", lla, ifaceName, err)
		}
	}

	mtu, err := netlinkif.GetMTU(ctx, ifaceName)
	if err != nil || mtu != targetMTU {
		if err == nil {
			if downErr := netlinkif.LinkDown(ctx, ifaceName); downErr != nil {
				return fmt.Errorf("bring %q down for mtu change: %w", ifaceName, downErr)
			}
		}
		if err := netlinkif.LinkUpWithMTU(ctx, ifaceName, targetMTU); err != nil {
			return fmt.Errorf("bring %q up with mtu %d: %w", ifaceName, targetMTU, err)
		}
	}
	return nil
}

// derivedLinkLocal computes the interface's fe80::/64 address: the low
// 8 bytes are the first 8 bytes of BLAKE2s-256(name).
func derivedLinkLocal(ifaceName string) netip.Prefix {
	sum := blake2s.Sum256([]byte(ifaceName))

	var b [16]byte
	b[0], b[1] = 0xfe, 0x80
	copy(b[8:16], sum[:8])

	return netip.PrefixFrom(netip.AddrFrom16(b), 64)
}

// parseEndpoint parses "ip:port" or "[ipv6]:port" into a socket address,
// silently dropping anything malformed (per §4.E's create-path contract).
func parseEndpoint(endpoint *string) *netip.AddrPort {
	if endpoint == nil || *endpoint == "" {
		return nil
	}
	ap, err := netip.ParseAddrPort(*endpoint)
	if err != nil {
		return nil
	}
	return &ap
}
