package dhcpsvc

import "net/netip"

// overlayPrefix returns an address whose leading prefix.Bits() bits come from
// prefix and whose remaining bits come from suffix (most significant bits of
// suffix first).  It's used to place a hash-derived suffix inside a
// configured pool prefix, for both /64 IA_NA/IA_TA addresses and
// shorter IA_PD prefixes.
func overlayPrefix(prefix netip.Prefix, suffix [16]byte) (addr netip.Addr) {
	base := prefix.Addr().As16()
	bits := prefix.Bits()

	var out [16]byte
	for i := range out {
		bitOff := i * 8
		switch {
		case bitOff+8 <= bits:
			out[i] = base[i]
		case bitOff >= bits:
			out[i] = suffix[i]
		default:
			// This byte straddles the prefix boundary; keep the
			// high-order (prefix) bits and take the rest from the suffix.
			keep := bits - bitOff
			mask := byte(0xFF << (8 - keep))
			out[i] = (base[i] & mask) | (suffix[i] &^ mask)
		}
	}

	return netip.AddrFrom16(out)
}

// clearUBit clears the "universal/local" bit of a /64 interface identifier,
// the 7th bit of the first octet of the low 64 bits, as required for
// addresses using the modified EUI-64 format (RFC 4291 Appendix A): a
// hash-derived identifier isn't a real MAC-derived one, so the U bit must
// read 0.
func clearUBit(addr netip.Addr) (out netip.Addr) {
	b := addr.As16()
	b[8] &^= 1 << 1

	return netip.AddrFrom16(b)
}

// reservedIIDLow and reservedIIDHigh bound the "Reserved IPv6 Interface
// Identifiers" range defined for proxy Mobile IPv6 in RFC 4291 Section
// 2.6.1: 0200:5EFF:FE00:0000 through 0200:5EFF:FE00:5212.
var (
	reservedIIDLow  = [8]byte{0x02, 0x00, 0x5E, 0xFF, 0xFE, 0x00, 0x00, 0x00}
	reservedIIDHigh = [8]byte{0x02, 0x00, 0x5E, 0xFF, 0xFE, 0x00, 0x52, 0x12}
)

// isReservedIID reports whether iid is the all-zero Subnet-Router anycast
// identifier or falls within the reserved proxy-ND range, either of which
// must never be handed out to a client.
func isReservedIID(iid [8]byte) (reserved bool) {
	if iid == ([8]byte{}) {
		return true
	}

	return iidLess(reservedIIDLow, iid) != 1 && iidLess(iid, reservedIIDHigh) != 1
}

// iidLess returns -1, 0, or 1 as a compares less than, equal to, or greater
// than b, lexicographically.
func iidLess(a, b [8]byte) (cmp int) {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}

	return 0
}
