// Package pairing implements the controller's tunnel-pairing algebra
// (spec §4.F): descriptor creation under a uniqueness constraint, the
// asymmetric answer protocol, per-peer view projection, and mesh-group
// auto-wireguard fan-out. It is pure domain logic over a Store port —
// no SQL, no HTTP — so it is grounded on the teacher's convention of
// keeping a package's control flow independent of its backing store
// (machine/ports.go's Convergence/ClusterStore split) rather than on
// any single teacher file that does this exact thing.
package pairing

import (
	"context"

	"catmesh"
)

// Store is the persistence surface pairing needs. Implementations must
// make CreateTunnel's uniqueness check and insert atomic (spec §5:
// "the descriptor-pair uniqueness check and insert are done in one
// transactional sequence").
type Store interface {
	// CreateTunnel inserts a descriptor for the unordered (peer1, peer2)
	// pair with the given ipv6 flag, or returns catmesh.ErrConflict if
	// one already exists for that pair and flag.
	CreateTunnel(ctx context.Context, peer1, peer2 int64, mtu int, ipv6 bool) (catmesh.TunnelDescriptor, error)

	// TunnelsForNode returns every descriptor nodeID participates in.
	TunnelsForNode(ctx context.Context, nodeID int64) ([]catmesh.TunnelDescriptor, error)

	// GetTunnel fetches one descriptor by id.
	GetTunnel(ctx context.Context, tunnelID int64) (catmesh.TunnelDescriptor, error)

	// UpdateAnswer applies one peer's answer to a descriptor and bumps
	// updated_at. Implementations execute this as a single mutation.
	UpdateAnswer(ctx context.Context, tunnelID int64, side AnswerSide, endpoint *string, state catmesh.AnswerState) error

	// PublicKey returns a node's registered static WireGuard public key,
	// or catmesh.ErrNotFound if the node has never published one.
	PublicKey(ctx context.Context, nodeID int64) (string, error)

	// MeshMembers returns every node currently in meshID, and whether
	// meshID has auto_wireguard enabled and at what MTU.
	MeshMembers(ctx context.Context, meshID int64) (members []int64, autoWireGuard bool, mtu int, err error)

	// JoinMesh idempotently inserts the (meshID, nodeID) membership row.
	// Returns ok=false if the membership already existed.
	JoinMesh(ctx context.Context, meshID, nodeID int64) (ok bool, err error)
}

// AnswerSide identifies which side of a descriptor a node's answer
// updates, resolved by matching node id against peer1/peer2.
type AnswerSide uint8

const (
	SidePeer1 AnswerSide = iota
	SidePeer2
)
