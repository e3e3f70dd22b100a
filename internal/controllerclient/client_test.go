package controllerclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/zerodha/logf"

	"catmesh"
	"catmesh/internal/controllerapi"
)

type fakeNodeStore struct {
	node       catmesh.Node
	publicKeys map[int64]string
}

func (f *fakeNodeStore) RegisterNode(context.Context, string, string) (catmesh.Node, error) {
	return f.node, nil
}

func (f *fakeNodeStore) NodeByAuthKey(_ context.Context, authKey string) (catmesh.Node, error) {
	if authKey != f.node.AuthKey {
		return catmesh.Node{}, catmesh.ErrUnauthorized
	}
	return f.node, nil
}

func (f *fakeNodeStore) SetPublicKey(_ context.Context, nodeID int64, publicKey string) error {
	f.publicKeys[nodeID] = publicKey
	return nil
}

func (f *fakeNodeStore) PublicKey(_ context.Context, nodeID int64) (string, error) {
	k, ok := f.publicKeys[nodeID]
	if !ok {
		return "", catmesh.ErrNotFound
	}
	return k, nil
}

type fakePairing struct {
	views      []catmesh.TunnelView
	lastAnswer struct {
		tunnelID int64
		endpoint *string
		decline  *catmesh.AnswerState
	}
}

func (f *fakePairing) AnswersFor(context.Context, int64) ([]catmesh.TunnelView, error) {
	return f.views, nil
}

func (f *fakePairing) Answer(_ context.Context, tunnelID, _ int64, endpoint *string, decline *catmesh.AnswerState) error {
	f.lastAnswer.tunnelID = tunnelID
	f.lastAnswer.endpoint = endpoint
	f.lastAnswer.decline = decline
	return nil
}

func newTestController(t *testing.T) (*httptest.Server, *fakeNodeStore, *fakePairing) {
	t.Helper()
	nodes := &fakeNodeStore{
		node:       catmesh.Node{ID: 9, AuthKey: "mykey", Name: "bob"},
		publicKeys: make(map[int64]string),
	}
	pairing := &fakePairing{}
	srv := controllerapi.NewServer(pairing, nodes, slog.New(slog.NewTextHandler(io.Discard, nil)), logf.New(logf.Opts{}))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, nodes, pairing
}

func TestListTunnelsRoundTrip(t *testing.T) {
	ts, _, pairing := newTestController(t)
	endpoint := "1.2.3.4:51820"
	pairing.views = []catmesh.TunnelView{{
		TunnelID: 1, PeerNodeID: 7, PeerPublicKey: "peerkey",
		LocalEndpoint: &endpoint, PreferredPort: 51820, MTU: 1420,
	}}

	c := New(ts.URL, "mykey")
	views, err := c.ListTunnels(context.Background())
	if err != nil {
		t.Fatalf("ListTunnels: %v", err)
	}
	if len(views) != 1 || views[0].PeerPublicKey != "peerkey" || views[0].PreferredPort != 51820 {
		t.Errorf("unexpected views: %+v", views)
	}
}

func TestListTunnelsWrongAuthKey(t *testing.T) {
	ts, _, _ := newTestController(t)
	c := New(ts.URL, "wrongkey")
	if _, err := c.ListTunnels(context.Background()); err == nil {
		t.Fatal("expected error for wrong auth key")
	}
}

func TestAnswerTunnelForwardsDecline(t *testing.T) {
	ts, _, pairing := newTestController(t)
	c := New(ts.URL, "mykey")

	decline := catmesh.RejectedNoIPStack
	if err := c.AnswerTunnel(context.Background(), 3, nil, &decline); err != nil {
		t.Fatalf("AnswerTunnel: %v", err)
	}
	if pairing.lastAnswer.tunnelID != 3 || pairing.lastAnswer.decline == nil || *pairing.lastAnswer.decline != catmesh.RejectedNoIPStack {
		t.Errorf("unexpected forwarded answer: %+v", pairing.lastAnswer)
	}
}

func TestSetPublicKeyAndLookup(t *testing.T) {
	ts, nodes, _ := newTestController(t)
	c := New(ts.URL, "mykey")

	if err := c.SetPublicKey(context.Background(), "abc123"); err != nil {
		t.Fatalf("SetPublicKey: %v", err)
	}
	if nodes.publicKeys[9] != "abc123" {
		t.Fatalf("public key not stored: %+v", nodes.publicKeys)
	}
}

func TestRegisterReturnsAuthKey(t *testing.T) {
	ts, _, _ := newTestController(t)
	c := New(ts.URL, "")

	authKey, err := c.Register(context.Background(), "bob", "good-invite")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if authKey != "mykey" {
		t.Errorf("authKey = %q, want mykey", authKey)
	}
}

func TestSelfReturnsNode(t *testing.T) {
	ts, _, _ := newTestController(t)
	c := New(ts.URL, "mykey")

	node, err := c.Self(context.Background())
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	if node.ID != 9 || node.Name != "bob" {
		t.Errorf("unexpected node: %+v", node)
	}
}

func TestDoClassifiesNotFoundStatus(t *testing.T) {
	if err := classifyStatus(404, "GET", "/client/wg_pubkey"); !errors.Is(err, catmesh.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := classifyStatus(409, "POST", "/client/wg_tun"); !errors.Is(err, catmesh.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := classifyStatus(503, "GET", "/client/wg_tun"); !errors.Is(err, catmesh.ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}
