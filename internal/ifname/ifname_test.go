package ifname

import (
	"strings"
	"testing"
)

// unpack reverses pack, for round-trip testing. Not used outside tests:
// production code only ever writes interface names, never decodes them.
func unpack(buf [8]byte) Fields {
	r := bitReader{buf: buf[:]}

	r.take(5) // protocol tag
	peer := r.take(15)
	ipv6 := r.take(1) == 1
	fec := r.take(1) == 1
	faketcp := r.take(1) == 1
	r.take(1) // reserved
	tunnel := r.take(16)

	return Fields{
		TunnelID:     uint16(tunnel),
		PeerNodeID:   uint16(peer),
		EndpointIPv6: ipv6,
		FEC:          fec,
		FakeTCP:      faketcp,
	}
}

type bitReader struct {
	buf []byte
	pos int
}

func (r *bitReader) take(nbits int) uint64 {
	var v uint64
	for i := 0; i < nbits; i++ {
		byteIdx := r.pos / 8
		bitIdx := r.pos % 8
		bit := (r.buf[byteIdx] >> uint(7-bitIdx)) & 1
		v = (v << 1) | uint64(bit)
		r.pos++
	}
	return v
}

func TestPackRoundTrip(t *testing.T) {
	cases := []Fields{
		{TunnelID: 0x1234, PeerNodeID: 0x0ABC, EndpointIPv6: true, FEC: false, FakeTCP: false},
		{TunnelID: 0, PeerNodeID: 0, EndpointIPv6: false, FEC: false, FakeTCP: false},
		{TunnelID: 0xFFFF, PeerNodeID: 0x7FFF, EndpointIPv6: true, FEC: true, FakeTCP: true},
		{TunnelID: 1, PeerNodeID: 2, EndpointIPv6: false, FEC: true, FakeTCP: false},
	}

	for _, c := range cases {
		got := unpack(pack(c))
		if got != c {
			t.Errorf("pack/unpack round trip: got %+v, want %+v", got, c)
		}
	}
}

func TestPackHighBitIgnored(t *testing.T) {
	// PeerNodeID is only 15 bits wide; the 16th bit must never leak into
	// the protocol tag field ahead of it.
	withHighBit := pack(Fields{PeerNodeID: 0x8ABC})
	withoutHighBit := pack(Fields{PeerNodeID: 0x0ABC})
	if withHighBit != withoutHighBit {
		t.Errorf("high bit of peer node id leaked into packed field: %v vs %v", withHighBit, withoutHighBit)
	}
}

func TestDeriveShape(t *testing.T) {
	cases := []Fields{
		{TunnelID: 0x1234, PeerNodeID: 0x0ABC, EndpointIPv6: true},
		{TunnelID: 0, PeerNodeID: 0},
		{TunnelID: 0xFFFF, PeerNodeID: 0x7FFF, FEC: true, FakeTCP: true},
	}

	for _, c := range cases {
		name := Derive(c)
		if len(name) != 15 {
			t.Errorf("Derive(%+v) = %q, length %d, want 15", c, name, len(name))
		}
		if !strings.HasPrefix(name, Prefix) {
			t.Errorf("Derive(%+v) = %q, want prefix %q", c, name, Prefix)
		}
		for _, ch := range name[len(Prefix):] {
			if !strings.ContainsRune(crockfordAlphabet, ch) {
				t.Errorf("Derive(%+v) = %q, char %q not in Crockford alphabet", c, name, ch)
			}
		}
	}
}

func TestDeriveDeterministic(t *testing.T) {
	f := Fields{TunnelID: 42, PeerNodeID: 7, EndpointIPv6: true}
	if Derive(f) != Derive(f) {
		t.Error("Derive is not deterministic for identical input")
	}
}

func TestDeriveDiffersOnIPv6Flip(t *testing.T) {
	a := Fields{TunnelID: 9, PeerNodeID: 3, EndpointIPv6: false}
	b := a
	b.EndpointIPv6 = true
	if Derive(a) == Derive(b) {
		t.Error("flipping EndpointIPv6 must change the derived name")
	}
}

const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func FuzzPackRoundTrip(f *testing.F) {
	f.Add(uint16(0x1234), uint16(0x0ABC), true, false, false)
	f.Add(uint16(0), uint16(0), false, false, false)
	f.Add(uint16(0xFFFF), uint16(0xFFFF), true, true, true)

	f.Fuzz(func(t *testing.T, tunnelID, peerNodeID uint16, ipv6, fec, faketcp bool) {
		in := Fields{
			TunnelID:     tunnelID,
			PeerNodeID:   peerNodeID & 0x7FFF,
			EndpointIPv6: ipv6,
			FEC:          fec,
			FakeTCP:      faketcp,
		}
		got := unpack(pack(in))
		if got != in {
			t.Fatalf("pack/unpack round trip: got %+v, want %+v", got, in)
		}

		name := Derive(in)
		if len(name) != 15 {
			t.Fatalf("Derive(%+v) = %q, length %d, want 15", in, name, len(name))
		}
		if !strings.HasPrefix(name, Prefix) {
			t.Fatalf("Derive(%+v) = %q, want prefix %q", in, name, Prefix)
		}
	})
}
