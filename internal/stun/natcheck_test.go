package stun

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

// fakeTransport is a scripted Transport: each Send consumes one
// scripted response (or a timeout if the script has none left).
type fakeTransport struct {
	local     netip.AddrPort
	responses []fakeResponse
	idx       int
}

type fakeResponse struct {
	mapped MappedAddress
	fail   bool // true = simulate a recv timeout
}

func (f *fakeTransport) Send(context.Context, netip.AddrPort, []byte) error { return nil }

func (f *fakeTransport) Recv(ctx context.Context, _ time.Duration) ([]byte, netip.AddrPort, netip.AddrPort, error) {
	if f.idx >= len(f.responses) {
		return nil, netip.AddrPort{}, netip.AddrPort{}, context.DeadlineExceeded
	}
	r := f.responses[f.idx]
	f.idx++
	if r.fail {
		return nil, netip.AddrPort{}, netip.AddrPort{}, context.DeadlineExceeded
	}
	txid := [12]byte{1, 2, 3}
	attr := EncodeXorMappedAddress(r.mapped.Addr, r.mapped.Port, txid[:])
	return WrapAsBindingResponse(txid, attr), f.local, f.local, nil
}

func (f *fakeTransport) LocalAddr() netip.AddrPort { return f.local }
func (f *fakeTransport) Close() error              { return nil }

func TestClassifyOpenInternet(t *testing.T) {
	local := netip.MustParseAddrPort("203.0.113.5:4000")
	ft := &fakeTransport{
		local: local,
		responses: []fakeResponse{
			{mapped: MappedAddress{Addr: local.Addr(), Port: local.Port()}}, // Test I: mapped == local
		},
	}

	c := NewClassifier(ft)
	got, err := c.Classify(context.Background(), Server{Primary: netip.MustParseAddrPort("198.51.100.1:3478")})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if got != OpenInternet {
		t.Errorf("Classify = %s, want %s", got, OpenInternet)
	}
}

func TestClassifyNoUDPConnectivity(t *testing.T) {
	ft := &fakeTransport{
		local:     netip.MustParseAddrPort("10.0.0.1:4000"),
		responses: []fakeResponse{{fail: true}},
	}

	c := NewClassifier(ft)
	got, err := c.Classify(context.Background(), Server{Primary: netip.MustParseAddrPort("198.51.100.1:3478")})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if got != NoUDPConnectivity {
		t.Errorf("Classify = %s, want %s", got, NoUDPConnectivity)
	}
}

func TestClassifyEndpointIndependentNoFiltering(t *testing.T) {
	mapped := MappedAddress{Addr: netip.MustParseAddr("198.51.100.9"), Port: 6000}
	ft := &fakeTransport{
		local: netip.MustParseAddrPort("10.0.0.1:4000"),
		responses: []fakeResponse{
			{mapped: mapped},                      // Test I
			{mapped: MappedAddress{}},              // Test II succeeds (any response)
			{mapped: mapped},                      // Test IV: same mapping as Test I
		},
	}

	c := NewClassifier(ft)
	got, err := c.Classify(context.Background(), Server{
		Primary:   netip.MustParseAddrPort("198.51.100.1:3478"),
		Alternate: netip.MustParseAddrPort("198.51.100.2:3479"),
	})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if got != EndpointIndependentNoFiltering {
		t.Errorf("Classify = %s, want %s", got, EndpointIndependentNoFiltering)
	}
}

func TestClassifyAddressDependentMapping(t *testing.T) {
	ft := &fakeTransport{
		local: netip.MustParseAddrPort("10.0.0.1:4000"),
		responses: []fakeResponse{
			{mapped: MappedAddress{Addr: netip.MustParseAddr("198.51.100.9"), Port: 6000}}, // Test I
			{fail: true},                                                                   // Test II fails
			{mapped: MappedAddress{Addr: netip.MustParseAddr("198.51.100.9"), Port: 6001}}, // Test IV: same IP, different port
		},
	}

	c := NewClassifier(ft)
	got, err := c.Classify(context.Background(), Server{
		Primary:   netip.MustParseAddrPort("198.51.100.1:3478"),
		Alternate: netip.MustParseAddrPort("198.51.100.2:3479"),
	})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if got != AddressDependentMapping {
		t.Errorf("Classify = %s, want %s", got, AddressDependentMapping)
	}
}

func TestClassifyNoServers(t *testing.T) {
	c := NewClassifier(&fakeTransport{})
	_, err := c.Classify(context.Background(), Server{})
	if err == nil {
		t.Fatal("expected error for empty server")
	}
}

func TestClassifyMappingDecisionMatrix(t *testing.T) {
	same := MappedAddress{Addr: netip.MustParseAddr("1.1.1.1"), Port: 100}
	samePortDiff := MappedAddress{Addr: netip.MustParseAddr("1.1.1.1"), Port: 200}
	diffIP := MappedAddress{Addr: netip.MustParseAddr("2.2.2.2"), Port: 100}

	cases := []struct {
		name string
		a, b MappedAddress
		want mappingKind
	}{
		{"identical", same, same, mappingEndpointIndependent},
		{"same ip diff port", same, samePortDiff, mappingAddressDependent},
		{"diff ip", same, diffIP, mappingAddressPortDependent},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifyMapping(c.a, c.b, nil); got != c.want {
				t.Errorf("classifyMapping = %v, want %v", got, c.want)
			}
		})
	}
}
