package catmesh

import (
	"strconv"
	"strings"
	"time"
)

// AnswerState is a peer's response to a proposed tunnel.
type AnswerState uint8

const (
	Unanswered AnswerState = iota
	Answered
	RejectedGeneric
	RejectedNoIPStack
)

func (s AnswerState) String() string {
	switch s {
	case Unanswered:
		return "unanswered"
	case Answered:
		return "answered"
	case RejectedGeneric:
		return "rejected_generic"
	case RejectedNoIPStack:
		return "rejected_no_ip_stack"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the four defined answer states.
func (s AnswerState) Valid() bool {
	return s <= RejectedNoIPStack
}

// TunnelDescriptor is the controller's authoritative record of a proposed
// WireGuard tunnel between two peers. The unordered pair plus EndpointIPv6
// is unique across the table.
type TunnelDescriptor struct {
	ID           int64
	Peer1ID      int64
	Peer2ID      int64
	MTU          int
	EndpointIPv6 bool

	EndpointPeer1 *string
	EndpointPeer2 *string

	Peer1Answered AnswerState
	Peer2Answered AnswerState

	FEC      bool
	FakeTCP  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pair returns the descriptor's peer ids ordered (min, max), the form the
// uniqueness invariant is expressed over.
func (d TunnelDescriptor) Pair() (lo, hi int64) {
	if d.Peer1ID < d.Peer2ID {
		return d.Peer1ID, d.Peer2ID
	}
	return d.Peer2ID, d.Peer1ID
}

// OtherPeer returns the peer id on the opposite side of nodeID, and
// whether nodeID actually participates in this descriptor.
func (d TunnelDescriptor) OtherPeer(nodeID int64) (peer int64, ok bool) {
	switch nodeID {
	case d.Peer1ID:
		return d.Peer2ID, true
	case d.Peer2ID:
		return d.Peer1ID, true
	default:
		return 0, false
	}
}

// TunnelView is the per-peer projection of a descriptor returned to a
// querying node (spec §3, §4.F).
type TunnelView struct {
	TunnelID     int64
	PeerNodeID   int64
	PeerPublicKey string

	LocalAnswered  AnswerState
	RemoteResponse AnswerState

	LocalEndpoint  *string
	RemoteEndpoint *string
	PreferredPort  uint16

	MTU          int
	EndpointIPv6 bool
	FEC          bool
	FakeTCP      bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProjectView derives the per-peer view of d for the querying node nodeID.
// Returns ok=false if nodeID does not participate in d.
func ProjectView(d TunnelDescriptor, nodeID int64, peerPublicKey string) (TunnelView, bool) {
	peer, ok := d.OtherPeer(nodeID)
	if !ok {
		return TunnelView{}, false
	}

	v := TunnelView{
		TunnelID:      d.ID,
		PeerNodeID:    peer,
		PeerPublicKey: peerPublicKey,
		MTU:           d.MTU,
		EndpointIPv6:  d.EndpointIPv6,
		FEC:           d.FEC,
		FakeTCP:       d.FakeTCP,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}

	if nodeID == d.Peer1ID {
		v.LocalAnswered = d.Peer1Answered
		v.RemoteResponse = d.Peer2Answered
		v.LocalEndpoint = d.EndpointPeer1
		v.RemoteEndpoint = d.EndpointPeer2
	} else {
		v.LocalAnswered = d.Peer2Answered
		v.RemoteResponse = d.Peer1Answered
		v.LocalEndpoint = d.EndpointPeer2
		v.RemoteEndpoint = d.EndpointPeer1
	}

	v.PreferredPort = trailingPort(v.LocalEndpoint)
	return v, true
}

// trailingPort parses the integer after the last ':' in an "ip:port" or
// "[ipv6]:port" endpoint string, or 0 if absent/unparsable.
func trailingPort(endpoint *string) uint16 {
	if endpoint == nil {
		return 0
	}
	idx := strings.LastIndexByte(*endpoint, ':')
	if idx < 0 || idx == len(*endpoint)-1 {
		return 0
	}
	port, err := strconv.ParseUint((*endpoint)[idx+1:], 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
