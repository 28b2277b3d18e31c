package dhcpsvc

import (
	"encoding/binary"
	"fmt"
)

// OptionDef names and formats a single option code within a [Universe].  The
// Format field uses the same format-letter convention as the spec's DATA
// MODEL section: "I" for an IPv4 address, "6" for an IPv6 address, "s" for
// text, "b"/"S"/"L" for 8/16/32-bit integers, "f" for a boolean flag, and "X"
// for opaque hex data.
type OptionDef struct {
	Name   string
	Format string
	Code   byte
}

// Universe is a named option space.  The base "dhcp" universe is the set of
// standard options carried directly in a v4 or v6 packet's options area; the
// others are nested inside a single option of an enclosing universe (e.g. the
// "agent" universe is nested inside option 82 of "dhcp").
type Universe struct {
	Name    string
	Options map[byte]OptionDef
}

// define is a constructor helper used while building a [Universe]'s Options
// map.
func define(code byte, name, format string) (def OptionDef) {
	return OptionDef{Code: code, Name: name, Format: format}
}

// dhcpUniverse names a handful of the base "dhcp" universe's option codes
// used elsewhere by the statement and expression engine (e.g. "option
// dhcp.host-name").  The full standard option table is owned by
// options4.go/options6.go, which deal with the wire encoding directly; this
// entry exists so "dhcp" resolves like any other universe name.
var dhcpUniverse = &Universe{
	Name: "dhcp",
	Options: map[byte]OptionDef{
		12:  define(12, "host-name", "s"),
		50:  define(50, "requested-address", "I"),
		51:  define(51, "lease-time", "L"),
		54:  define(54, "server-identifier", "I"),
		60:  define(60, "vendor-class-identifier", "s"),
		61:  define(61, "dhcp-client-identifier", "X"),
		81:  define(81, "fqdn", "X"),
		82:  define(82, "relay-agent-information", "X"),
	},
}

// universes indexes every known option space by name, for the expression
// engine's "option <universe>.<name>" syntax.
var universes = map[string]*Universe{
	dhcpUniverse.Name:         dhcpUniverse,
	agentUniverse.Name:        agentUniverse,
	vendorClassUniverse.Name:  vendorClassUniverse,
	vendorUniverse.Name:       vendorUniverse,
	iscUniverse.Name:          iscUniverse,
	nwipUniverse.Name:         nwipUniverse,
	fqdnUniverse.Name:         fqdnUniverse,
}

// lookupOptionCode returns the code of the named option within u, if known.
func lookupOptionCode(u *Universe, name string) (code byte, ok bool) {
	for c, def := range u.Options {
		if def.Name == name {
			return c, true
		}
	}

	return 0, false
}

// agentUniverse is the relay agent information sub-option space nested in
// option 82.  See RFC 3046.
var agentUniverse = &Universe{
	Name: "agent",
	Options: map[byte]OptionDef{
		1: define(1, "circuit-id", "X"),
		2: define(2, "remote-id", "X"),
		6: define(6, "subscriber-id", "X"),
	},
}

// vendorClassUniverse decodes option 60, the vendor class identifier.
var vendorClassUniverse = &Universe{
	Name: "vendor-class",
	Options: map[byte]OptionDef{
		0: define(0, "identifier", "s"),
	},
}

// vendorUniverse is the vendor-specific information space nested in option
// 43.
var vendorUniverse = &Universe{
	Name: "vendor",
	Options: map[byte]OptionDef{
		1: define(1, "config-file", "s"),
	},
}

// iscUniverse is the ISC vendor space, historically enclosed in option 43
// when the vendor class identifies as "isc".
var iscUniverse = &Universe{
	Name: "isc",
	Options: map[byte]OptionDef{
		1: define(1, "subnet-selection", "I"),
	},
}

// nwipUniverse is the NetWare/IP sub-option space nested in option 63.
var nwipUniverse = &Universe{
	Name: "nwip",
	Options: map[byte]OptionDef{
		1: define(1, "nsq-broadcast", "f"),
		5: define(5, "nearest-nwip-server", "I"),
	},
}

// fqdnUniverse describes the fields packed into option 81 (v4) / option 39
// (v6), the Client FQDN option.  It isn't TLV-encoded like the others; see
// [EncodeFQDN] and [DecodeFQDN].
var fqdnUniverse = &Universe{
	Name: "fqdn",
	Options: map[byte]OptionDef{
		0: define(0, "flags", "b"),
		1: define(1, "rcode1", "b"),
		2: define(2, "rcode2", "b"),
		3: define(3, "domain-name", "s"),
	},
}

// FQDN flag bits, see RFC 4702 Section 2.1.
const (
	FQDNFlagS byte = 1 << 0 // server performs the forward update
	FQDNFlagO byte = 1 << 1 // server overrode the client's S bit
	FQDNFlagN byte = 1 << 3 // server performs no update
	FQDNFlagE byte = 1 << 2
)

// FQDNOption is the decoded content of the Client FQDN option.
type FQDNOption struct {
	DomainName string
	Flags      byte
	RCode1     byte
	RCode2     byte
}

// DecodeFQDN decodes the fqdn universe's fixed 3-byte header followed by a
// domain name, honoring the E bit (canonical-wire-format encoding, RFC 4702
// Section 2.2) by leaving escaping to the caller and simply stripping length
// octets when E is set.
func DecodeFQDN(data []byte) (opt FQDNOption, err error) {
	if len(data) < 3 {
		return FQDNOption{}, fmt.Errorf("fqdn option: need at least 3 bytes, got %d", len(data))
	}

	opt.Flags, opt.RCode1, opt.RCode2 = data[0], data[1], data[2]
	rest := data[3:]

	if opt.Flags&FQDNFlagE != 0 {
		opt.DomainName = decodeDNSWire(rest)
	} else {
		opt.DomainName = string(rest)
	}

	return opt, nil
}

// EncodeFQDN encodes opt using the canonical (E-bit set) wire format.
func EncodeFQDN(opt FQDNOption) (data []byte) {
	flags := opt.Flags | FQDNFlagE
	data = []byte{flags, opt.RCode1, opt.RCode2}

	return append(data, encodeDNSWire(opt.DomainName)...)
}

// decodeDNSWire decodes a sequence of length-prefixed DNS labels into a
// dotted name, ignoring a trailing root label.
func decodeDNSWire(buf []byte) (name string) {
	var labels []byte
	for i := 0; i < len(buf); {
		n := int(buf[i])
		if n == 0 {
			break
		}

		i++
		end := i + n
		if end > len(buf) {
			break
		}

		if len(labels) > 0 {
			labels = append(labels, '.')
		}

		labels = append(labels, buf[i:end]...)
		i = end
	}

	return string(labels)
}

// encodeDNSWire encodes a dotted name into length-prefixed DNS labels,
// terminated with the root label.
func encodeDNSWire(name string) (buf []byte) {
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			if i > start {
				buf = append(buf, byte(i-start))
				buf = append(buf, name[start:i]...)
			}

			start = i + 1
		}
	}

	return append(buf, 0)
}

// DecodeSubOptions decodes a TLV-encoded blob nested inside an option (e.g.
// option 82's payload) using u's code table purely for documentation; the
// decoding itself is universe-agnostic TLV, same as the base options field.
func DecodeSubOptions(u *Universe, data []byte) (opts Options, err error) {
	opts, err = parseOneOptionBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("universe %s: %w", u.Name, err)
	}

	return opts, nil
}

// EncodeSubOptions encodes opts as a TLV blob suitable for nesting inside an
// enclosing option, e.g. option 82.
func EncodeSubOptions(opts Options) (data []byte) {
	for _, o := range opts {
		data = encodeOption(data, o)
	}

	return data
}

// beUint16 and beUint32 are small helpers kept alongside the universes since
// several of their numeric formats ("S" and "L") are fixed-width big-endian
// integers.
func beUint16(b []byte) (v uint16) { return binary.BigEndian.Uint16(b) }
func beUint32(b []byte) (v uint32) { return binary.BigEndian.Uint32(b) }
