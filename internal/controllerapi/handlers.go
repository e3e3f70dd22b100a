package controllerapi

import (
	"net/http"
	"strconv"

	"catmesh"
)

type registerRequest struct {
	NodeName      string `json:"node_name"`
	InvitationKey string `json:"invitation_key"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	AuthKey string `json:"auth_key"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, &catmesh.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	node, err := s.nodes.RegisterNode(r.Context(), req.InvitationKey, req.NodeName)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Success: true, AuthKey: node.AuthKey})
}

type selfResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFromContext(r.Context())
	if !ok {
		writeError(w, s.logger, catmesh.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, selfResponse{
		ID:        node.ID,
		Name:      node.Name,
		CreatedAt: node.CreatedAt.UnixMilli(),
	})
}

type tunnelViewDTO struct {
	TunnelID       int64   `json:"tunnel_id"`
	PeerNodeID     int64   `json:"peer_node_id"`
	PeerPublicKey  string  `json:"peer_public_key"`
	LocalAnswered  string  `json:"local_answered"`
	RemoteResponse string  `json:"remote_response"`
	LocalEndpoint  *string `json:"local_endpoint,omitempty"`
	RemoteEndpoint *string `json:"remote_endpoint,omitempty"`
	PreferredPort  uint16  `json:"preferred_port"`
	MTU            int     `json:"mtu"`
	EndpointIPv6   bool    `json:"endpoint_ipv6"`
	FEC            bool    `json:"fec"`
	FakeTCP        bool    `json:"faketcp"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

func toTunnelViewDTO(v catmesh.TunnelView) tunnelViewDTO {
	return tunnelViewDTO{
		TunnelID:       v.TunnelID,
		PeerNodeID:     v.PeerNodeID,
		PeerPublicKey:  v.PeerPublicKey,
		LocalAnswered:  v.LocalAnswered.String(),
		RemoteResponse: v.RemoteResponse.String(),
		LocalEndpoint:  v.LocalEndpoint,
		RemoteEndpoint: v.RemoteEndpoint,
		PreferredPort:  v.PreferredPort,
		MTU:            v.MTU,
		EndpointIPv6:   v.EndpointIPv6,
		FEC:            v.FEC,
		FakeTCP:        v.FakeTCP,
		CreatedAt:      v.CreatedAt.UnixMilli(),
		UpdatedAt:      v.UpdatedAt.UnixMilli(),
	}
}

type listTunnelsResponse struct {
	Tunnels []tunnelViewDTO `json:"tunnels"`
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFromContext(r.Context())
	if !ok {
		writeError(w, s.logger, catmesh.ErrUnauthorized)
		return
	}
	views, err := s.pairing.AnswersFor(r.Context(), node.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	dtos := make([]tunnelViewDTO, len(views))
	for i, v := range views {
		dtos[i] = toTunnelViewDTO(v)
	}
	writeJSON(w, http.StatusOK, listTunnelsResponse{Tunnels: dtos})
}

type answerTunnelRequest struct {
	TunnelID    int64   `json:"tunnel_id"`
	Endpoint    *string `json:"endpoint,omitempty"`
	DeclineType *uint8  `json:"decline_type,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleAnswerTunnel(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFromContext(r.Context())
	if !ok {
		writeError(w, s.logger, catmesh.ErrUnauthorized)
		return
	}
	var req answerTunnelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, &catmesh.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	var decline *catmesh.AnswerState
	if req.DeclineType != nil {
		st := catmesh.AnswerState(*req.DeclineType)
		decline = &st
	}

	if err := s.pairing.Answer(r.Context(), req.TunnelID, node.ID, req.Endpoint, decline); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// handleWgPubkey serves both halves of the /client/wg_pubkey surface
// (spec §4.G): a node either registers its own static key (POST with
// public_key set) or looks up a peer's key (GET, or POST with
// node_id_peer set). The two POST shapes share a path, so the body's
// field set disambiguates which operation runs.
func (s *Server) handleWgPubkey(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFromContext(r.Context())
	if !ok {
		writeError(w, s.logger, catmesh.ErrUnauthorized)
		return
	}

	if r.Method == http.MethodGet {
		s.lookupPublicKey(w, r, parsePeerQuery(r))
		return
	}

	var raw map[string]any
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, s.logger, &catmesh.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	if pk, ok := raw["public_key"].(string); ok {
		if err := s.nodes.SetPublicKey(r.Context(), node.ID, pk); err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true})
		return
	}

	peerID, ok := nodeIDPeerFrom(raw)
	if !ok {
		writeError(w, s.logger, &catmesh.ValidationError{Field: "body", Message: "expected public_key or node_id_peer"})
		return
	}
	s.lookupPublicKey(w, r, peerID)
}

func (s *Server) lookupPublicKey(w http.ResponseWriter, r *http.Request, peerID int64) {
	key, err := s.nodes.PublicKey(r.Context(), peerID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{PublicKey: key})
}

func parsePeerQuery(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.URL.Query().Get("node_id_peer"), 10, 64)
	return id
}

func nodeIDPeerFrom(raw map[string]any) (int64, bool) {
	v, ok := raw["node_id_peer"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
