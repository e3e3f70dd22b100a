// Package stun implements RFC 5389 Binding message construction/parsing
// and RFC 5780 §4 NAT behavior discovery.
//
// Two deviations from a widely-copied reference implementation are
// deliberately NOT reproduced here (see the open questions this corrects):
// CHANGE-REQUEST's flag bits are encoded in RFC order (bit 2 = change-IP,
// bit 1 = change-port), and XOR-MAPPED-ADDRESS for IPv6 XORs the full
// 16-byte address against cookie||transaction-id, not just the first 4
// bytes.
package stun

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"catmesh"
)

const (
	magicCookie = 0x2112A442

	typeBindingRequest = 0x0001

	attrMappedAddress    = 0x0001
	attrChangeRequest    = 0x0003
	attrXorMappedAddress = 0x0020

	familyIPv4 = 0x01
	familyIPv6 = 0x02

	headerLen = 20
)

// ChangeRequest mirrors the CHANGE-REQUEST attribute's two flags.
type ChangeRequest struct {
	ChangeIP   bool
	ChangePort bool
}

// flags encodes the RFC 5780 bit layout: bit 2 = change-IP, bit 1 =
// change-port, i.e. (change_ip<<2)|(change_port<<1).
func (c ChangeRequest) flags() byte {
	var f byte
	if c.ChangeIP {
		f |= 0x04
	}
	if c.ChangePort {
		f |= 0x02
	}
	return f
}

// BuildBindingRequest constructs a 20-byte Binding Request, or 28 bytes
// if change is non-nil (20-byte header + 8-byte CHANGE-REQUEST attribute).
func BuildBindingRequest(txID [12]byte, change *ChangeRequest) []byte {
	var attrsLen int
	if change != nil {
		attrsLen = 8
	}

	msg := make([]byte, headerLen+attrsLen)
	binary.BigEndian.PutUint16(msg[0:2], typeBindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], uint16(attrsLen))
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], txID[:])

	if change != nil {
		binary.BigEndian.PutUint16(msg[20:22], attrChangeRequest)
		binary.BigEndian.PutUint16(msg[22:24], 4)
		msg[24], msg[25], msg[26] = 0, 0, 0
		msg[27] = change.flags()
	}
	return msg
}

// MappedAddress is a parsed (XOR-)MAPPED-ADDRESS attribute value.
type MappedAddress struct {
	Addr netip.Addr
	Port uint16
}

// ParseBindingResponse walks a Binding Response's attributes, preferring
// XOR-MAPPED-ADDRESS and falling back to MAPPED-ADDRESS.
func ParseBindingResponse(data []byte) (MappedAddress, error) {
	if len(data) < headerLen {
		return MappedAddress{}, fmt.Errorf("stun message shorter than header: %w", &catmesh.ValidationError{Field: "message", Message: "too short"})
	}

	length := int(binary.BigEndian.Uint16(data[2:4]))
	if headerLen+length > len(data) {
		return MappedAddress{}, fmt.Errorf("stun message declares length %d beyond buffer: %w", length, &catmesh.ValidationError{Field: "length", Message: "out of range"})
	}
	txid := data[8:20]

	var xorAddr, mappedAddr *MappedAddress
	pos := headerLen
	end := headerLen + length
	for pos+4 <= end {
		attrType := binary.BigEndian.Uint16(data[pos : pos+2])
		attrLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		valStart := pos + 4
		valEnd := valStart + attrLen
		if valEnd > end {
			break
		}
		val := data[valStart:valEnd]

		switch attrType {
		case attrXorMappedAddress:
			if a, err := parseXorMappedAddress(val, txid); err == nil {
				xorAddr = &a
			}
		case attrMappedAddress:
			if a, err := parseMappedAddress(val); err == nil {
				mappedAddr = &a
			}
		}

		pos = valStart + ((attrLen + 3) &^ 3) // 4-byte attribute padding
	}

	if xorAddr != nil {
		return *xorAddr, nil
	}
	if mappedAddr != nil {
		return *mappedAddr, nil
	}
	return MappedAddress{}, fmt.Errorf("stun response carries no mapped address: %w", catmesh.ErrNotFound)
}

func parseMappedAddress(val []byte) (MappedAddress, error) {
	if len(val) < 4 {
		return MappedAddress{}, fmt.Errorf("mapped-address attribute too short")
	}
	family := val[1]
	port := binary.BigEndian.Uint16(val[2:4])

	switch family {
	case familyIPv4:
		if len(val) < 8 {
			return MappedAddress{}, fmt.Errorf("mapped-address ipv4 attribute too short")
		}
		return MappedAddress{Addr: netip.AddrFrom4([4]byte(val[4:8])), Port: port}, nil
	case familyIPv6:
		if len(val) < 20 {
			return MappedAddress{}, fmt.Errorf("mapped-address ipv6 attribute too short")
		}
		return MappedAddress{Addr: netip.AddrFrom16([16]byte(val[4:20])), Port: port}, nil
	default:
		return MappedAddress{}, fmt.Errorf("unknown address family %#x", family)
	}
}

func parseXorMappedAddress(val []byte, txid []byte) (MappedAddress, error) {
	if len(val) < 4 {
		return MappedAddress{}, fmt.Errorf("xor-mapped-address attribute too short")
	}
	family := val[1]
	xport := binary.BigEndian.Uint16(val[2:4])
	port := xport ^ uint16(magicCookie>>16)

	mask := xorMask(txid)
	switch family {
	case familyIPv4:
		if len(val) < 8 {
			return MappedAddress{}, fmt.Errorf("xor-mapped-address ipv4 attribute too short")
		}
		var b [4]byte
		for i := range b {
			b[i] = val[4+i] ^ mask[i]
		}
		return MappedAddress{Addr: netip.AddrFrom4(b), Port: port}, nil
	case familyIPv6:
		if len(val) < 20 {
			return MappedAddress{}, fmt.Errorf("xor-mapped-address ipv6 attribute too short")
		}
		var b [16]byte
		for i := range b {
			b[i] = val[4+i] ^ mask[i]
		}
		return MappedAddress{Addr: netip.AddrFrom16(b), Port: port}, nil
	default:
		return MappedAddress{}, fmt.Errorf("unknown address family %#x", family)
	}
}

// xorMask returns cookie||transaction-id, the 16-byte XOR mask RFC 5389
// specifies for IPv6 XOR-MAPPED-ADDRESS (and whose first 4 bytes, the
// cookie, also mask the IPv4 case and the port).
func xorMask(txid []byte) []byte {
	mask := make([]byte, 16)
	binary.BigEndian.PutUint32(mask[0:4], magicCookie)
	copy(mask[4:16], txid)
	return mask
}

// EncodeXorMappedAddress builds a (type, length, value) XOR-MAPPED-ADDRESS
// attribute for addr/port under txid. Exported for building synthetic
// responses in tests; production code only ever parses this attribute.
func EncodeXorMappedAddress(addr netip.Addr, port uint16, txid []byte) []byte {
	mask := xorMask(txid)
	xport := port ^ uint16(magicCookie>>16)

	var val []byte
	if addr.Is4() {
		b := addr.As4()
		val = make([]byte, 8)
		val[1] = familyIPv4
		binary.BigEndian.PutUint16(val[2:4], xport)
		for i := 0; i < 4; i++ {
			val[4+i] = b[i] ^ mask[i]
		}
	} else {
		b := addr.As16()
		val = make([]byte, 20)
		val[1] = familyIPv6
		binary.BigEndian.PutUint16(val[2:4], xport)
		for i := 0; i < 16; i++ {
			val[4+i] = b[i] ^ mask[i]
		}
	}

	attr := make([]byte, 4+len(val))
	binary.BigEndian.PutUint16(attr[0:2], attrXorMappedAddress)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(val)))
	copy(attr[4:], val)
	return attr
}

// WrapAsBindingResponse wraps attrs (already padded to 4-byte boundaries)
// in a 20-byte Binding Response header carrying txid. Test helper.
func WrapAsBindingResponse(txid [12]byte, attrs []byte) []byte {
	const typeBindingResponse = 0x0101
	msg := make([]byte, headerLen+len(attrs))
	binary.BigEndian.PutUint16(msg[0:2], typeBindingResponse)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(attrs)))
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], txid[:])
	copy(msg[20:], attrs)
	return msg
}
