package reconciler

import (
	"context"

	"catmesh"
)

// ControllerClient is the subset of the controller REST surface (§4.G)
// the reconciler's outer loop consumes: fetch the node's current tunnel
// set, and report back a local endpoint (or decline) once a tunnel's
// address has been resolved.
type ControllerClient interface {
	ListTunnels(ctx context.Context) ([]catmesh.TunnelView, error)
	AnswerTunnel(ctx context.Context, tunnelID int64, endpoint *string, decline *catmesh.AnswerState) error
}
