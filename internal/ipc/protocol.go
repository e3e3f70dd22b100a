package ipc

import "encoding/json"

// Envelope is the wire shape of every framed message: a shared secret
// alongside the tagged-union payload (spec §6: "JSON body {secret,
// request}"). Responses reuse the same envelope shape with Payload
// holding a Response instead of a Request.
type Envelope struct {
	Secret  string          `json:"secret"`
	Payload json.RawMessage `json:"request"`
}

// RequestType discriminates the tagged union of CLI->daemon requests.
type RequestType string

const (
	RequestStatus    RequestType = "status"
	RequestRegister  RequestType = "register"
	RequestGetConfig RequestType = "get_config"
	RequestShutdown  RequestType = "shutdown"
	RequestNATType   RequestType = "nat_type"
)

// Request is the CLI->daemon message, grounded on original_source's
// DaemonRequest enum (client/src/daemon/protocol.rs), generalized to
// catmesh's own command set.
type Request struct {
	Type          RequestType `json:"type"`
	InvitationKey string      `json:"invitation_key,omitempty"`

	// Family selects which address family RequestNATType classifies:
	// "4", "6", or "" for both, mirroring original_source's
	// `catmesh public-ip --nat` family flag.
	Family string `json:"family,omitempty"`
}

// ResponseType discriminates the tagged union of daemon->CLI responses.
type ResponseType string

const (
	ResponseOK      ResponseType = "ok"
	ResponseError   ResponseType = "error"
	ResponseStatus  ResponseType = "status"
	ResponseConfig  ResponseType = "config"
	ResponseNATType ResponseType = "nat_type"
)

// Response is the daemon->CLI message.
type Response struct {
	Type    ResponseType `json:"type"`
	Message string       `json:"message,omitempty"`

	// Populated when Type == ResponseStatus.
	Running          bool `json:"running,omitempty"`
	ControllerPaired bool `json:"controller_paired,omitempty"`
	TunnelCount      int  `json:"tunnel_count,omitempty"`

	// Populated when Type == ResponseConfig.
	Config json.RawMessage `json:"config,omitempty"`

	// Populated when Type == ResponseNATType; empty string means that
	// family wasn't requested or classification failed.
	NATTypeIPv4 string `json:"nat_type_ipv4,omitempty"`
	NATTypeIPv6 string `json:"nat_type_ipv6,omitempty"`
}

func okResponse(msg string) Response {
	return Response{Type: ResponseOK, Message: msg}
}

func errorResponse(err error) Response {
	return Response{Type: ResponseError, Message: err.Error()}
}
