package controllerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zerodha/logf"

	"catmesh"
)

type fakeNodeStore struct {
	byKey      map[string]catmesh.Node
	publicKeys map[int64]string
	registered []string
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{byKey: make(map[string]catmesh.Node), publicKeys: make(map[int64]string)}
}

func (f *fakeNodeStore) RegisterNode(_ context.Context, inviteToken, name string) (catmesh.Node, error) {
	if inviteToken != "good-invite" {
		return catmesh.Node{}, catmesh.ErrUnauthorized
	}
	n := catmesh.Node{ID: int64(len(f.byKey) + 1), AuthKey: "key-" + name, Name: name}
	f.byKey[n.AuthKey] = n
	f.registered = append(f.registered, name)
	return n, nil
}

func (f *fakeNodeStore) NodeByAuthKey(_ context.Context, authKey string) (catmesh.Node, error) {
	n, ok := f.byKey[authKey]
	if !ok {
		return catmesh.Node{}, catmesh.ErrUnauthorized
	}
	return n, nil
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
	answerErr  error
	lastAnswer struct {
		tunnelID int64
		nodeID   int64
		endpoint *string
		decline  *catmesh.AnswerState
	}
}

func (f *fakePairing) AnswersFor(_ context.Context, nodeID int64) ([]catmesh.TunnelView, error) {
	return f.views, nil
}

func (f *fakePairing) Answer(_ context.Context, tunnelID, nodeID int64, endpoint *string, decline *catmesh.AnswerState) error {
	if f.answerErr != nil {
		return f.answerErr
	}
	f.lastAnswer.tunnelID = tunnelID
	f.lastAnswer.nodeID = nodeID
	f.lastAnswer.endpoint = endpoint
	f.lastAnswer.decline = decline
	return nil
}

func newTestServer() (*Server, *fakeNodeStore, *fakePairing) {
	nodes := newFakeNodeStore()
	pairing := &fakePairing{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	startup := logf.New(logf.Opts{})
	return NewServer(pairing, nodes, logger, startup), nodes, pairing
}

func TestRegisterIssuesAuthKey(t *testing.T) {
	s, nodes, _ := newTestServer()
	body, _ := json.Marshal(registerRequest{NodeName: "alice", InvitationKey: "good-invite"})
	req := httptest.NewRequest(http.MethodPost, "/client/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.AuthKey == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := nodes.byKey[resp.AuthKey]; !ok {
		t.Fatal("issued auth key not found in store")
	}
}

func TestRegisterBadInviteIsUnauthorized(t *testing.T) {
	s, _, _ := newTestServer()
	body, _ := json.Marshal(registerRequest{NodeName: "alice", InvitationKey: "bad-invite"})
	req := httptest.NewRequest(http.MethodPost, "/client/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSelfRequiresAuth(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/client/self", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without auth key", rec.Code)
	}
}

func TestSelfReturnsAuthenticatedNode(t *testing.T) {
	s, nodes, _ := newTestServer()
	nodes.byKey["mykey"] = catmesh.Node{ID: 9, AuthKey: "mykey", Name: "bob"}

	req := httptest.NewRequest(http.MethodGet, "/client/self", nil)
	req.Header.Set(HeaderAuthKey, "mykey")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp selfResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != 9 || resp.Name != "bob" {
		t.Errorf("unexpected self response: %+v", resp)
	}
}

func TestSelfWrongKeyIsUnauthorized(t *testing.T) {
	s, nodes, _ := newTestServer()
	nodes.byKey["mykey"] = catmesh.Node{ID: 9, AuthKey: "mykey", Name: "bob"}

	req := httptest.NewRequest(http.MethodGet, "/client/self", nil)
	req.Header.Set(HeaderAuthKey, "Bearer wrongkey")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestListTunnelsProjectsView(t *testing.T) {
	s, nodes, pairing := newTestServer()
	nodes.byKey["mykey"] = catmesh.Node{ID: 9, AuthKey: "mykey", Name: "bob"}
	endpoint := "1.2.3.4:51820"
	pairing.views = []catmesh.TunnelView{{
		TunnelID: 1, PeerNodeID: 7, PeerPublicKey: "peerkey",
		LocalEndpoint: &endpoint, PreferredPort: 51820, MTU: 1420,
	}}

	req := httptest.NewRequest(http.MethodGet, "/client/wg_tun", nil)
	req.Header.Set(HeaderAuthKey, "mykey")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp listTunnelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tunnels) != 1 || resp.Tunnels[0].PeerPublicKey != "peerkey" || resp.Tunnels[0].PreferredPort != 51820 {
		t.Errorf("unexpected tunnels: %+v", resp.Tunnels)
	}
}

func TestAnswerTunnelForwardsDecline(t *testing.T) {
	s, nodes, pairing := newTestServer()
	nodes.byKey["mykey"] = catmesh.Node{ID: 9, AuthKey: "mykey", Name: "bob"}

	declineCode := uint8(catmesh.RejectedNoIPStack)
	body, _ := json.Marshal(answerTunnelRequest{TunnelID: 3, DeclineType: &declineCode})
	req := httptest.NewRequest(http.MethodPost, "/client/wg_tun", bytes.NewReader(body))
	req.Header.Set(HeaderAuthKey, "mykey")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if pairing.lastAnswer.tunnelID != 3 || pairing.lastAnswer.nodeID != 9 ||
		pairing.lastAnswer.decline == nil || *pairing.lastAnswer.decline != catmesh.RejectedNoIPStack {
		t.Errorf("unexpected forwarded answer: %+v", pairing.lastAnswer)
	}
}

func TestWgPubkeySetAndLookup(t *testing.T) {
	s, nodes, _ := newTestServer()
	nodes.byKey["mykey"] = catmesh.Node{ID: 9, AuthKey: "mykey", Name: "bob"}

	setBody, _ := json.Marshal(map[string]string{"public_key": "abc123"})
	setReq := httptest.NewRequest(http.MethodPost, "/client/wg_pubkey", bytes.NewReader(setBody))
	setReq.Header.Set(HeaderAuthKey, "mykey")
	setRec := httptest.NewRecorder()
	s.Router().ServeHTTP(setRec, setReq)
	if setRec.Code != http.StatusOK {
		t.Fatalf("set status = %d, want 200: %s", setRec.Code, setRec.Body.String())
	}
	if nodes.publicKeys[9] != "abc123" {
		t.Fatalf("public key not stored: %+v", nodes.publicKeys)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/client/wg_pubkey?node_id_peer=9", nil)
	getReq.Header.Set(HeaderAuthKey, "mykey")
	getRec := httptest.NewRecorder()
	s.Router().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200: %s", getRec.Code, getRec.Body.String())
	}
	var resp publicKeyResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PublicKey != "abc123" {
		t.Errorf("PublicKey = %q, want abc123", resp.PublicKey)
	}
}

func TestWgPubkeyUnknownPeerNotFound(t *testing.T) {
	s, nodes, _ := newTestServer()
	nodes.byKey["mykey"] = catmesh.Node{ID: 9, AuthKey: "mykey", Name: "bob"}

	req := httptest.NewRequest(http.MethodGet, "/client/wg_pubkey?node_id_peer=404", nil)
	req.Header.Set(HeaderAuthKey, "mykey")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
