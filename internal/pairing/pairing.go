package pairing

import (
	"context"
	"errors"
	"fmt"

	"catmesh"
)

// Service implements the create_tunnel / answers_for / answer / join_mesh
// operations of spec §4.F over a Store.
type Service struct {
	store Store
}

// New wraps store.
func New(store Store) *Service {
	return &Service{store: store}
}

// CreateTunnel inserts one descriptor for (a, b, ipv6) iff no descriptor
// with that unordered pair and ipv6 flag already exists.
func (s *Service) CreateTunnel(ctx context.Context, a, b int64, mtu int, ipv6 bool) (catmesh.TunnelDescriptor, error) {
	if a == b {
		return catmesh.TunnelDescriptor{}, fmt.Errorf("tunnel peers must differ (got %d twice): %w", a, catmesh.ErrConflict)
	}
	return s.store.CreateTunnel(ctx, a, b, mtu, ipv6)
}

// AnswersFor returns nodeID's per-peer projection of every descriptor it
// participates in.
func (s *Service) AnswersFor(ctx context.Context, nodeID int64) ([]catmesh.TunnelView, error) {
	descriptors, err := s.store.TunnelsForNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list tunnels for node %d: %w", nodeID, err)
	}

	views := make([]catmesh.TunnelView, 0, len(descriptors))
	for _, d := range descriptors {
		peer, ok := d.OtherPeer(nodeID)
		if !ok {
			continue // defensive: store contract violation, not nodeID's problem
		}
		peerKey, err := s.store.PublicKey(ctx, peer)
		if err != nil && !errors.Is(err, catmesh.ErrNotFound) {
			return nil, fmt.Errorf("lookup public key for peer %d: %w", peer, err)
		}
		view, ok := catmesh.ProjectView(d, nodeID, peerKey)
		if !ok {
			continue
		}
		views = append(views, view)
	}
	return views, nil
}

// Answer applies nodeID's answer to tunnelID. The side is resolved by
// matching nodeID against the descriptor's peer1/peer2; a call from a
// non-participant is silently ignored, per spec (not a first-class
// failure).
func (s *Service) Answer(ctx context.Context, tunnelID, nodeID int64, endpoint *string, decline *catmesh.AnswerState) error {
	d, err := s.store.GetTunnel(ctx, tunnelID)
	if err != nil {
		return fmt.Errorf("get tunnel %d: %w", tunnelID, err)
	}

	var side AnswerSide
	switch nodeID {
	case d.Peer1ID:
		side = SidePeer1
	case d.Peer2ID:
		side = SidePeer2
	default:
		return nil // non-peer call: benign no-op
	}

	state := catmesh.Answered
	if decline != nil {
		if !decline.Valid() {
			return &catmesh.ValidationError{Field: "decline", Message: fmt.Sprintf("invalid answer state %d", *decline)}
		}
		state = *decline
	}

	return s.store.UpdateAnswer(ctx, tunnelID, side, endpoint, state)
}

// JoinMesh idempotently adds nodeID to meshID. If the mesh has
// auto_wireguard enabled, it attempts to create both an IPv4 and an
// IPv6 tunnel to every existing member (excluding self), ignoring
// duplicate-pair conflicts — those mean the tunnel already exists from
// the other direction or a prior join.
func (s *Service) JoinMesh(ctx context.Context, nodeID, meshID int64) error {
	members, autoWireGuard, mtu, err := s.store.MeshMembers(ctx, meshID)
	if err != nil {
		return fmt.Errorf("load mesh %d members: %w", meshID, err)
	}

	if _, err := s.store.JoinMesh(ctx, meshID, nodeID); err != nil {
		return fmt.Errorf("join mesh %d: %w", meshID, err)
	}

	if !autoWireGuard {
		return nil
	}

	for _, peer := range members {
		if peer == nodeID {
			continue
		}
		for _, ipv6 := range [2]bool{false, true} {
			if _, err := s.store.CreateTunnel(ctx, nodeID, peer, mtu, ipv6); err != nil && !errors.Is(err, catmesh.ErrConflict) {
				return fmt.Errorf("auto-wireguard tunnel %d<->%d ipv6=%v: %w", nodeID, peer, ipv6, err)
			}
		}
	}
	return nil
}
