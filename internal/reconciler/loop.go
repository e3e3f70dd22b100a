package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"catmesh"
)

// pollInterval is how often the outer loop re-fetches the controller's
// tunnel list between pushes; there is no server-sent change stream (§4.G
// is plain REST), so polling is the only signal source.
const pollInterval = 10 * time.Second

// Loop owns a Reconciler's goroutine lifecycle: it polls a
// ControllerClient for the node's current tunnel set and upserts/removes
// to match, activating every tunnel it upserts.
type Loop struct {
	client ControllerClient
	rec    *Reconciler

	// localEndpoint resolves this node's current publishable endpoint
	// (typically the STUN-discovered public address), or nil if none is
	// known yet. Left unset, the loop never reports an endpoint and
	// leaves tunnels pending until something else answers them.
	localEndpoint func() *string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a polling loop over rec driven by client.
func NewLoop(client ControllerClient, rec *Reconciler) *Loop {
	return &Loop{client: client, rec: rec}
}

// WithLocalEndpoint wires in the node's endpoint resolver.
func (l *Loop) WithLocalEndpoint(resolve func() *string) *Loop {
	l.localEndpoint = resolve
	return l
}

// Start launches the loop in a background goroutine and runs one
// synchronous reconcile pass before returning, so callers observe the
// initial tunnel set applied before Start returns.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.reconcile(ctx); err != nil {
		return fmt.Errorf("initial tunnel sync: %w", err)
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		l.run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (l *Loop) Stop() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.reconcile(ctx); err != nil {
				slog.Error("tunnel sync failed", "err", err)
			}
		}
	}
}

// reconcile fetches the controller's tunnel views and brings node state
// to match: every returned view is upserted and activated, and any
// tunnel id no longer present in the response is removed. Per §5,
// different tunnel ids converge in parallel — the Reconciler's own
// per-tunnel-id mutex (reconciler.go's tunnelLock) is what makes that
// safe; this loop only has to fan the calls out.
func (l *Loop) reconcile(ctx context.Context) error {
	views, err := l.client.ListTunnels(ctx)
	if err != nil {
		return fmt.Errorf("list tunnels: %w", err)
	}

	seen := make(map[int64]struct{}, len(views))
	var upserts errgroup.Group
	for _, view := range views {
		seen[view.TunnelID] = struct{}{}
		view := view
		upserts.Go(func() error {
			if err := l.rec.Upsert(ctx, view, true); err != nil {
				slog.Error("upsert tunnel failed", "tunnel_id", view.TunnelID, "err", err)
				return nil
			}
			if err := l.reportLocalEndpoint(ctx, view); err != nil {
				slog.Error("report local endpoint failed", "tunnel_id", view.TunnelID, "err", err)
			}
			return nil
		})
	}
	_ = upserts.Wait() // per-tunnel failures are logged above, not fatal to the pass

	var removals errgroup.Group
	for _, id := range l.rec.Known() {
		if _, ok := seen[id]; ok {
			continue
		}
		id := id
		removals.Go(func() error {
			if err := l.rec.Remove(ctx, id); err != nil {
				slog.Error("remove stale tunnel failed", "tunnel_id", id, "err", err)
			}
			return nil
		})
	}
	_ = removals.Wait()
	return nil
}

// reportLocalEndpoint answers a tunnel whose local side hasn't yet been
// published, once a listening address is known. Endpoint resolution
// itself (STUN public-address discovery) lives in the stun package; the
// loop only wires the result back to the controller.
func (l *Loop) reportLocalEndpoint(ctx context.Context, view catmesh.TunnelView) error {
	if view.LocalAnswered != catmesh.Unanswered || l.localEndpoint == nil {
		return nil
	}
	endpoint := l.localEndpoint()
	if endpoint == nil {
		return nil
	}
	return l.client.AnswerTunnel(ctx, view.TunnelID, endpoint, nil)
}
