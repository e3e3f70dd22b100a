package stun

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"
	"time"

	"catmesh"
)

// NATType is one of the seven RFC 5780 §4 classification outcomes.
type NATType uint8

const (
	Unknown NATType = iota
	OpenInternet
	NoUDPConnectivity
	EndpointIndependentNoFiltering
	EndpointIndependentAddressFiltering
	EndpointIndependentAddressPortFiltering
	AddressDependentMapping
	AddressPortDependentMapping
)

func (t NATType) String() string {
	switch t {
	case OpenInternet:
		return "open_internet"
	case NoUDPConnectivity:
		return "no_udp_connectivity"
	case EndpointIndependentNoFiltering:
		return "endpoint_independent_no_filtering"
	case EndpointIndependentAddressFiltering:
		return "endpoint_independent_address_filtering"
	case EndpointIndependentAddressPortFiltering:
		return "endpoint_independent_address_port_filtering"
	case AddressDependentMapping:
		return "address_dependent_mapping"
	case AddressPortDependentMapping:
		return "address_port_dependent_mapping"
	default:
		return "unknown"
	}
}

// Server is one NAT-testing-capable STUN server: a primary address and
// an alternate (different IP and port) the server also listens on, used
// for Test IV.
type Server struct {
	Primary   netip.AddrPort
	Alternate netip.AddrPort
}

// PickServer chooses Test I and Test IV targets from a shuffled
// NAT-capable server list: the original_source detector picks Test IV's
// alternate from a second, distinct entry in the same pool rather than a
// CHANGE-ADDRESS attribute on the primary's response
// (client/src/network/public_ip.rs's detect_nat_type_rfc5780). A list of
// one server still classifies, with mapping ambiguous (mappingUnknown).
func PickServer(natCapable []netip.AddrPort) (Server, error) {
	if len(natCapable) == 0 {
		return Server{}, fmt.Errorf("no servers; initialize first: %w", catmesh.ErrFatal)
	}
	shuffled := Shuffle(natCapable)
	s := Server{Primary: shuffled[0]}
	if len(shuffled) > 1 {
		s.Alternate = shuffled[1]
	}
	return s, nil
}

// Classifier runs the RFC 5780 four-test sequence on a single shared
// Transport.
type Classifier struct {
	transport Transport
	timeout   time.Duration
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithSendTimeout overrides the default 5-second per-send wait.
func WithSendTimeout(d time.Duration) ClassifierOption {
	return func(c *Classifier) { c.timeout = d }
}

// NewClassifier wraps transport; transport is NOT closed by the
// classifier — the caller owns its lifecycle since it's usually reused
// across the public-address query too.
func NewClassifier(transport Transport, opts ...ClassifierOption) *Classifier {
	c := &Classifier{transport: transport, timeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs Tests I–IV against server, in that order, all on the
// classifier's single shared socket, and returns the RFC 5780 NAT type.
func (c *Classifier) Classify(ctx context.Context, server Server) (NATType, error) {
	if !server.Primary.IsValid() {
		return Unknown, fmt.Errorf("no servers; initialize first: %w", catmesh.ErrFatal)
	}

	mapped1, localAddr, err := c.sendBasic(ctx, server.Primary)
	if err != nil {
		return NoUDPConnectivity, nil
	}
	if mapped1.Addr == localAddr.Addr() && mapped1.Port == localAddr.Port() {
		return OpenInternet, nil
	}

	okII, _ := c.sendChangeRequest(ctx, server.Primary, ChangeRequest{ChangeIP: true, ChangePort: true})

	var mapping mappingKind
	if server.Alternate.IsValid() {
		mapped4, err4 := c.sendBasic2(ctx, server.Alternate)
		mapping = classifyMapping(mapped1, mapped4, err4)
	} else {
		mapping = mappingUnknown
	}

	switch mapping {
	case mappingEndpointIndependent:
		if okII {
			return EndpointIndependentNoFiltering, nil
		}
		okIII, _ := c.sendChangeRequest(ctx, server.Primary, ChangeRequest{ChangeIP: false, ChangePort: true})
		if okIII {
			return EndpointIndependentAddressFiltering, nil
		}
		return EndpointIndependentAddressPortFiltering, nil
	case mappingAddressDependent:
		return AddressDependentMapping, nil
	case mappingAddressPortDependent:
		return AddressPortDependentMapping, nil
	default:
		return Unknown, nil
	}
}

type mappingKind uint8

const (
	mappingUnknown mappingKind = iota
	mappingEndpointIndependent
	mappingAddressDependent
	mappingAddressPortDependent
)

// classifyMapping compares Test I's and Test IV's mapped addresses per
// spec: equal -> endpoint-independent, same IP different port ->
// address-dependent, different IP -> address-port-dependent.
func classifyMapping(testI, testIV MappedAddress, errIV error) mappingKind {
	if errIV != nil {
		return mappingUnknown
	}
	if testI.Addr == testIV.Addr && testI.Port == testIV.Port {
		return mappingEndpointIndependent
	}
	if testI.Addr == testIV.Addr {
		return mappingAddressDependent
	}
	return mappingAddressPortDependent
}

// sendBasic runs Test I: a plain Binding Request to server, returning the
// mapped address and the local interface address the response arrived on.
func (c *Classifier) sendBasic(ctx context.Context, server netip.AddrPort) (MappedAddress, netip.AddrPort, error) {
	txid := newTxID()
	if err := c.transport.Send(ctx, server, BuildBindingRequest(txid, nil)); err != nil {
		return MappedAddress{}, netip.AddrPort{}, err
	}
	msg, _, local, err := c.transport.Recv(ctx, c.timeout)
	if err != nil {
		return MappedAddress{}, netip.AddrPort{}, err
	}
	mapped, err := ParseBindingResponse(msg)
	if err != nil {
		return MappedAddress{}, netip.AddrPort{}, err
	}
	return mapped, local, nil
}

func (c *Classifier) sendBasic2(ctx context.Context, server netip.AddrPort) (MappedAddress, error) {
	mapped, _, err := c.sendBasic(ctx, server)
	return mapped, err
}

// sendChangeRequest runs Test II/III: success means any response arrived
// within the timeout, regardless of content.
func (c *Classifier) sendChangeRequest(ctx context.Context, server netip.AddrPort, change ChangeRequest) (bool, error) {
	txid := newTxID()
	if err := c.transport.Send(ctx, server, BuildBindingRequest(txid, &change)); err != nil {
		return false, err
	}
	_, _, _, err := c.transport.Recv(ctx, c.timeout)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func newTxID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}
