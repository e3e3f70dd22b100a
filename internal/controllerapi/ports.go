// Package controllerapi is the controller's REST surface (spec §4.G):
// the gorilla/mux router, zerodha/logf + slog request logging, and the
// per-node constant-time auth middleware the reconciler and NAT
// discovery clients talk to. Grounded on arbok's internal/api (router
// shape, middleware chain) and internal/auth (constant-time key
// comparison), generalized from a single static API-key set to a
// per-node key looked up from the store.
package controllerapi

import (
	"context"

	"catmesh"
)

// NodeStore is the subset of controllerstore.Store the API needs for
// node identity and key management.
type NodeStore interface {
	RegisterNode(ctx context.Context, inviteToken, name string) (catmesh.Node, error)
	NodeByAuthKey(ctx context.Context, authKey string) (catmesh.Node, error)
	SetPublicKey(ctx context.Context, nodeID int64, publicKey string) error
	PublicKey(ctx context.Context, nodeID int64) (string, error)
}

// Pairing is the subset of pairing.Service the API needs.
type Pairing interface {
	AnswersFor(ctx context.Context, nodeID int64) ([]catmesh.TunnelView, error)
	Answer(ctx context.Context, tunnelID, nodeID int64, endpoint *string, decline *catmesh.AnswerState) error
}
