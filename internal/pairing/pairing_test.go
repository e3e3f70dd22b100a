package pairing

import (
	"context"
	"errors"
	"testing"

	"catmesh"
)

// fakeStore is an in-memory Store: enough to exercise the pairing
// algebra without a database.
type fakeStore struct {
	nextID      int64
	descriptors map[int64]catmesh.TunnelDescriptor
	publicKeys  map[int64]string
	meshMembers map[int64][]int64
	meshAuto    map[int64]bool
	meshMTU     map[int64]int
	memberships map[[2]int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		descriptors: make(map[int64]catmesh.TunnelDescriptor),
		publicKeys:  make(map[int64]string),
		meshMembers: make(map[int64][]int64),
		meshAuto:    make(map[int64]bool),
		meshMTU:     make(map[int64]int),
		memberships: make(map[[2]int64]bool),
	}
}

func (f *fakeStore) CreateTunnel(_ context.Context, a, b int64, mtu int, ipv6 bool) (catmesh.TunnelDescriptor, error) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	for _, d := range f.descriptors {
		dlo, dhi := d.Pair()
		if dlo == lo && dhi == hi && d.EndpointIPv6 == ipv6 {
			return catmesh.TunnelDescriptor{}, catmesh.ErrConflict
		}
	}
	f.nextID++
	d := catmesh.TunnelDescriptor{
		ID: f.nextID, Peer1ID: a, Peer2ID: b, MTU: mtu, EndpointIPv6: ipv6,
	}
	f.descriptors[d.ID] = d
	return d, nil
}

func (f *fakeStore) TunnelsForNode(_ context.Context, nodeID int64) ([]catmesh.TunnelDescriptor, error) {
	var out []catmesh.TunnelDescriptor
	for _, d := range f.descriptors {
		if _, ok := d.OtherPeer(nodeID); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTunnel(_ context.Context, tunnelID int64) (catmesh.TunnelDescriptor, error) {
	d, ok := f.descriptors[tunnelID]
	if !ok {
		return catmesh.TunnelDescriptor{}, catmesh.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) UpdateAnswer(_ context.Context, tunnelID int64, side AnswerSide, endpoint *string, state catmesh.AnswerState) error {
	d := f.descriptors[tunnelID]
	switch side {
	case SidePeer1:
		d.EndpointPeer1, d.Peer1Answered = endpoint, state
	case SidePeer2:
		d.EndpointPeer2, d.Peer2Answered = endpoint, state
	}
	f.descriptors[tunnelID] = d
	return nil
}

func (f *fakeStore) PublicKey(_ context.Context, nodeID int64) (string, error) {
	key, ok := f.publicKeys[nodeID]
	if !ok {
		return "", catmesh.ErrNotFound
	}
	return key, nil
}

func (f *fakeStore) MeshMembers(_ context.Context, meshID int64) ([]int64, bool, int, error) {
	return f.meshMembers[meshID], f.meshAuto[meshID], f.meshMTU[meshID], nil
}

func (f *fakeStore) JoinMesh(_ context.Context, meshID, nodeID int64) (bool, error) {
	key := [2]int64{meshID, nodeID}
	if f.memberships[key] {
		return false, nil
	}
	f.memberships[key] = true
	f.meshMembers[meshID] = append(f.meshMembers[meshID], nodeID)
	return true, nil
}

func strPtr(s string) *string { return &s }

func TestCreateTunnelRejectsSelfPair(t *testing.T) {
	s := New(newFakeStore())
	_, err := s.CreateTunnel(context.Background(), 5, 5, 1420, false)
	if !errors.Is(err, catmesh.ErrConflict) {
		t.Fatalf("expected ErrConflict for self-pair, got %v", err)
	}
}

func TestCreateTunnelPairUniqueness(t *testing.T) {
	s := New(newFakeStore())
	ctx := context.Background()

	if _, err := s.CreateTunnel(ctx, 5, 7, 1420, false); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.CreateTunnel(ctx, 7, 5, 1500, false); !errors.Is(err, catmesh.ErrConflict) {
		t.Fatalf("second create (reversed order, same pair) = %v, want ErrConflict", err)
	}
	if _, err := s.CreateTunnel(ctx, 5, 7, 1500, true); err != nil {
		t.Fatalf("different ipv6 flag should succeed: %v", err)
	}
}

func TestAnswersForProjection(t *testing.T) {
	store := newFakeStore()
	store.publicKeys[7] = "peer7key"
	s := New(store)
	ctx := context.Background()

	d, err := s.CreateTunnel(ctx, 5, 7, 1420, false)
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	endpoint := "[::1]:51820"
	if err := store.UpdateAnswer(ctx, d.ID, SidePeer1, &endpoint, catmesh.Answered); err != nil {
		t.Fatalf("UpdateAnswer: %v", err)
	}

	views, err := s.AnswersFor(ctx, 5)
	if err != nil {
		t.Fatalf("AnswersFor: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("len(views) = %d, want 1", len(views))
	}
	v := views[0]
	if v.PeerNodeID != 7 || v.LocalEndpoint == nil || *v.LocalEndpoint != endpoint ||
		v.PreferredPort != 51820 || v.LocalAnswered != catmesh.Answered || v.RemoteResponse != catmesh.Unanswered ||
		v.PeerPublicKey != "peer7key" {
		t.Errorf("unexpected view: %+v", v)
	}
}

func TestAnswerNonPeerIsNoop(t *testing.T) {
	store := newFakeStore()
	s := New(store)
	ctx := context.Background()

	d, err := s.CreateTunnel(ctx, 5, 7, 1420, false)
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	if err := s.Answer(ctx, d.ID, 99, strPtr("1.2.3.4:1"), nil); err != nil {
		t.Fatalf("Answer from non-peer: %v", err)
	}
	got := store.descriptors[d.ID]
	if got.Peer1Answered != catmesh.Unanswered || got.Peer2Answered != catmesh.Unanswered {
		t.Errorf("non-peer answer mutated descriptor: %+v", got)
	}
}

func TestAnswerDeclineCode(t *testing.T) {
	store := newFakeStore()
	s := New(store)
	ctx := context.Background()

	d, err := s.CreateTunnel(ctx, 5, 7, 1420, false)
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	decline := catmesh.RejectedNoIPStack
	if err := s.Answer(ctx, d.ID, 7, nil, &decline); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	got := store.descriptors[d.ID]
	if got.Peer2Answered != catmesh.RejectedNoIPStack {
		t.Errorf("Peer2Answered = %v, want RejectedNoIPStack", got.Peer2Answered)
	}
}

func TestAnswerInvalidDeclineRejected(t *testing.T) {
	store := newFakeStore()
	s := New(store)
	ctx := context.Background()

	d, err := s.CreateTunnel(ctx, 5, 7, 1420, false)
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	bogus := catmesh.AnswerState(200)
	err = s.Answer(ctx, d.ID, 7, nil, &bogus)
	if err == nil {
		t.Fatal("expected error for out-of-range decline state")
	}
}

func TestJoinMeshAutoWireGuardFanOut(t *testing.T) {
	store := newFakeStore()
	store.meshMembers[1] = []int64{3}
	store.meshAuto[1] = true
	store.meshMTU[1] = 1380
	s := New(store)
	ctx := context.Background()

	if err := s.JoinMesh(ctx, 4, 1); err != nil {
		t.Fatalf("JoinMesh(4): %v", err)
	}
	tunnels4, _ := s.AnswersFor(ctx, 4)
	if len(tunnels4) != 2 {
		t.Fatalf("node 4: len(tunnels) = %d, want 2 (ipv4 + ipv6 to node 3)", len(tunnels4))
	}

	if err := s.JoinMesh(ctx, 5, 1); err != nil {
		t.Fatalf("JoinMesh(5): %v", err)
	}
	tunnels5, _ := s.AnswersFor(ctx, 5)
	if len(tunnels5) != 4 {
		t.Fatalf("node 5: len(tunnels) = %d, want 4 (ipv4+ipv6 to nodes 3 and 4)", len(tunnels5))
	}
}

func TestJoinMeshWithoutAutoWireGuardCreatesNoTunnels(t *testing.T) {
	store := newFakeStore()
	store.meshMembers[1] = []int64{3}
	s := New(store)
	ctx := context.Background()

	if err := s.JoinMesh(ctx, 4, 1); err != nil {
		t.Fatalf("JoinMesh: %v", err)
	}
	views, _ := s.AnswersFor(ctx, 4)
	if len(views) != 0 {
		t.Errorf("expected no tunnels without auto_wireguard, got %d", len(views))
	}
}

func TestJoinMeshIdempotent(t *testing.T) {
	store := newFakeStore()
	s := New(store)
	ctx := context.Background()

	if err := s.JoinMesh(ctx, 4, 1); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := s.JoinMesh(ctx, 4, 1); err != nil {
		t.Fatalf("second join (idempotent): %v", err)
	}
	if got := len(store.meshMembers[1]); got != 1 {
		t.Errorf("mesh members = %d, want 1 after repeated join", got)
	}
}
