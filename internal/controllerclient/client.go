// Package controllerclient is the node agent's HTTP client for the
// controller's REST surface (spec §4.G). Grounded on the teacher's
// pkg/sdk/client.Client (a typed wrapper with a DefaultSocketPath-style
// constructor and one method per RPC), retargeted from a gRPC unix-socket
// dial to an http.Client against the controller's base URL, since the
// controller surface is plain REST/JSON rather than gRPC.
package controllerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"catmesh"
)

const requestTimeout = 15 * time.Second

// Client talks to a single controller over HTTP, authenticating every
// request with a node's auth_key.
type Client struct {
	baseURL string
	authKey string
	http    *http.Client
}

// New constructs a Client. baseURL is the controller's origin, e.g.
// "https://controller.example:8443".
func New(baseURL, authKey string) *Client {
	return &Client{baseURL: baseURL, authKey: authKey, http: &http.Client{Timeout: requestTimeout}}
}

// SetAuthKey updates the key used on subsequent requests — needed after
// Register, which obtains the key the client didn't have yet.
func (c *Client) SetAuthKey(authKey string) {
	c.authKey = authKey
}

type registerRequest struct {
	NodeName      string `json:"node_name"`
	InvitationKey string `json:"invitation_key"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	AuthKey string `json:"auth_key"`
}

// Register exchanges an invitation key for a node identity and auth_key.
func (c *Client) Register(ctx context.Context, nodeName, invitationKey string) (string, error) {
	var resp registerResponse
	err := c.do(ctx, http.MethodPost, "/client/register", registerRequest{NodeName: nodeName, InvitationKey: invitationKey}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AuthKey, nil
}

type selfResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// Self fetches the calling node's own identity.
func (c *Client) Self(ctx context.Context) (catmesh.Node, error) {
	var resp selfResponse
	if err := c.do(ctx, http.MethodGet, "/client/self", nil, &resp); err != nil {
		return catmesh.Node{}, err
	}
	return catmesh.Node{ID: resp.ID, Name: resp.Name, CreatedAt: time.UnixMilli(resp.CreatedAt).UTC()}, nil
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

var answerStateByName = map[string]catmesh.AnswerState{
	"unanswered":           catmesh.Unanswered,
	"answered":             catmesh.Answered,
	"rejected_generic":     catmesh.RejectedGeneric,
	"rejected_no_ip_stack": catmesh.RejectedNoIPStack,
}

func (d tunnelViewDTO) toView() catmesh.TunnelView {
	return catmesh.TunnelView{
		TunnelID:       d.TunnelID,
		PeerNodeID:     d.PeerNodeID,
		PeerPublicKey:  d.PeerPublicKey,
		LocalAnswered:  answerStateByName[d.LocalAnswered],
		RemoteResponse: answerStateByName[d.RemoteResponse],
		LocalEndpoint:  d.LocalEndpoint,
		RemoteEndpoint: d.RemoteEndpoint,
		PreferredPort:  d.PreferredPort,
		MTU:            d.MTU,
		EndpointIPv6:   d.EndpointIPv6,
		FEC:            d.FEC,
		FakeTCP:        d.FakeTCP,
		CreatedAt:      time.UnixMilli(d.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(d.UpdatedAt).UTC(),
	}
}

type listTunnelsResponse struct {
	Tunnels []tunnelViewDTO `json:"tunnels"`
}

// ListTunnels implements reconciler.ControllerClient.
func (c *Client) ListTunnels(ctx context.Context) ([]catmesh.TunnelView, error) {
	var resp listTunnelsResponse
	if err := c.do(ctx, http.MethodGet, "/client/wg_tun", nil, &resp); err != nil {
		return nil, err
	}
	views := make([]catmesh.TunnelView, len(resp.Tunnels))
	for i, d := range resp.Tunnels {
		views[i] = d.toView()
	}
	return views, nil
}

type answerTunnelRequest struct {
	TunnelID    int64   `json:"tunnel_id"`
	Endpoint    *string `json:"endpoint,omitempty"`
	DeclineType *uint8  `json:"decline_type,omitempty"`
}

// AnswerTunnel implements reconciler.ControllerClient.
func (c *Client) AnswerTunnel(ctx context.Context, tunnelID int64, endpoint *string, decline *catmesh.AnswerState) error {
	req := answerTunnelRequest{TunnelID: tunnelID, Endpoint: endpoint}
	if decline != nil {
		code := uint8(*decline)
		req.DeclineType = &code
	}
	return c.do(ctx, http.MethodPost, "/client/wg_tun", req, nil)
}

// SetPublicKey registers the node's static WireGuard public key with
// the controller.
func (c *Client) SetPublicKey(ctx context.Context, publicKey string) error {
	return c.do(ctx, http.MethodPost, "/client/wg_pubkey", map[string]string{"public_key": publicKey}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authKey != "" {
		req.Header.Set("Authorization", c.authKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, catmesh.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response for %s %s: %w", method, path, err)
	}
	return nil
}

func classifyStatus(status int, method, path string) error {
	base := fmt.Errorf("%s %s: status %d", method, path, status)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", base, catmesh.ErrNotFound)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %w", base, catmesh.ErrConflict)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", base, catmesh.ErrUnauthorized)
	case status == http.StatusBadRequest:
		return &catmesh.ValidationError{Message: base.Error()}
	case status >= 500:
		return fmt.Errorf("%w: %w", base, catmesh.ErrTransient)
	default:
		return base
	}
}
