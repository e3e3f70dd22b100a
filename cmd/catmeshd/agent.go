package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"catmesh"
	"catmesh/internal/config"
	"catmesh/internal/controllerclient"
	"catmesh/internal/ipc"
	"catmesh/internal/reconciler"
	"catmesh/internal/signal/ntp"
	"catmesh/internal/stun"
)

// agent is the ipc.Handler the node agent daemon exposes over its local
// control socket, plus the long-running reconciliation loop it fronts.
type agent struct {
	cfg        *config.AgentConfig
	client     *controllerclient.Client
	rec        *reconciler.Reconciler
	loop       *reconciler.Loop
	ntpChecker *ntp.Checker

	mu       sync.Mutex
	endpoint *string

	paired atomic.Bool
	cancel context.CancelFunc
}

func newAgent(cfg *config.AgentConfig, privateKey wgtypes.Key, ntpChecker *ntp.Checker) *agent {
	client := controllerclient.New(cfg.ControllerURL, "")
	rec := reconciler.New(privateKey)
	a := &agent{cfg: cfg, client: client, rec: rec, ntpChecker: ntpChecker}
	a.loop = reconciler.NewLoop(client, rec).WithLocalEndpoint(a.currentEndpoint)
	return a
}

func (a *agent) currentEndpoint() *string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endpoint
}

func (a *agent) setEndpoint(addr netip.AddrPort) {
	s := addr.String()
	a.mu.Lock()
	a.endpoint = &s
	a.mu.Unlock()
}

// resolveEndpoint runs one STUN public-address query and records the
// result for the reconciler's outer loop to report on its next pass.
// Publication is gated on clock health: a node whose wall clock has
// drifted beyond the ntp checker's threshold produces STUN timestamps
// the controller and peers can't reason about, so the result is
// discarded rather than published.
func (a *agent) resolveEndpoint(ctx context.Context, servers []netip.AddrPort) error {
	if a.ntpChecker != nil {
		if status := a.ntpChecker.Status(); status.Phase == ntp.NTPUnhealthyOffset {
			return fmt.Errorf("clock offset %s exceeds threshold, withholding endpoint: %w", status.Offset, catmesh.ErrTransient)
		}
	}

	addr, err := stun.PublicAddress(ctx, servers, func() (stun.Transport, error) {
		t, err := stun.NewUDPTransport(false)
		if err != nil {
			return nil, err
		}
		return stun.NewRateLimitedTransport(t), nil
	})
	if err != nil {
		return fmt.Errorf("resolve public address: %w", err)
	}
	a.setEndpoint(addr)
	return nil
}

// classifyNAT runs one RFC 5780 classification pass for the given
// address family against cfg's NAT-capable STUN server list.
func (a *agent) classifyNAT(ctx context.Context, family int, v6 bool) (stun.NATType, error) {
	list, err := stun.FetchServerList(ctx, http.DefaultClient, a.cfg.StunGeneralURL, a.cfg.StunNATURL, family)
	if err != nil {
		return stun.Unknown, err
	}
	server, err := stun.PickServer(list.NATCapable)
	if err != nil {
		return stun.Unknown, err
	}
	transport, err := stun.NewUDPTransport(v6)
	if err != nil {
		return stun.Unknown, err
	}
	defer transport.Close()
	return stun.NewClassifier(stun.NewRateLimitedTransport(transport)).Classify(ctx, server)
}

// ensureRegistered registers with the controller if cfg carries a
// not-yet-consumed invitation key.
func (a *agent) ensureRegistered(ctx context.Context) error {
	if a.cfg.InvitationKey == "" {
		a.paired.Store(a.cfg.ControllerURL != "")
		return nil
	}
	return a.register(ctx, a.cfg.InvitationKey)
}

func (a *agent) register(ctx context.Context, invitationKey string) error {
	nodeName, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine node name: %w", err)
	}
	authKey, err := a.client.Register(ctx, nodeName, invitationKey)
	if err != nil {
		return fmt.Errorf("register with controller: %w", err)
	}
	a.client.SetAuthKey(authKey)
	a.paired.Store(true)

	a.cfg.InvitationKey = ""
	if err := a.cfg.Save(); err != nil {
		slog.Warn("persist agent config after register failed", "err", err)
	}
	return nil
}

// --- ipc.Handler ---

func (a *agent) Status(context.Context) (ipc.Response, error) {
	return ipc.Response{
		Type:             ipc.ResponseStatus,
		Running:          true,
		ControllerPaired: a.paired.Load(),
		TunnelCount:      len(a.rec.Known()),
	}, nil
}

func (a *agent) Register(ctx context.Context, invitationKey string) error {
	return a.register(ctx, invitationKey)
}

func (a *agent) GetConfig(context.Context) (json.RawMessage, error) {
	return json.Marshal(a.cfg)
}

func (a *agent) Shutdown(context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// NATType classifies this node's NAT behavior per spec component D,
// family "4", "6", or "" for both (original_source's `public-ip --nat`
// family flag). A family that fails to classify only fails the whole
// call when it was the sole family requested.
func (a *agent) NATType(ctx context.Context, family string) (ipc.Response, error) {
	resp := ipc.Response{Type: ipc.ResponseNATType}
	wantV4 := family == "" || family == "4"
	wantV6 := family == "" || family == "6"

	if wantV4 {
		t, err := a.classifyNAT(ctx, 4, false)
		switch {
		case err != nil && !wantV6:
			return ipc.Response{}, fmt.Errorf("classify ipv4 nat type: %w", err)
		case err != nil:
			slog.Warn("ipv4 nat classification failed", "err", err)
		default:
			resp.NATTypeIPv4 = t.String()
		}
	}
	if wantV6 {
		t, err := a.classifyNAT(ctx, 6, true)
		switch {
		case err != nil && !wantV4:
			return ipc.Response{}, fmt.Errorf("classify ipv6 nat type: %w", err)
		case err != nil:
			slog.Warn("ipv6 nat classification failed", "err", err)
		default:
			resp.NATTypeIPv6 = t.String()
		}
	}
	if resp.NATTypeIPv4 == "" && resp.NATTypeIPv6 == "" {
		return ipc.Response{}, fmt.Errorf("nat classification failed for every requested family")
	}
	return resp, nil
}
