package dhcpsvc

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// DHCPv6 suboption codes nested inside IA_NA, IA_TA and IA_PD options, per
// RFC 3315 Section 22.6 and RFC 3633 Section 10.  gopacket/layers doesn't
// define these since it treats IA_NA/IA_TA/IA_PD payloads as opaque blobs.
const (
	dhcpV6OptIAAddr   layers.DHCPv6Opt = 5
	dhcpV6OptIAPD     layers.DHCPv6Opt = 25
	dhcpV6OptIAPrefix layers.DHCPv6Opt = 26
)

// ia4HeaderLen is the length of the fixed-size header shared by IA_NA and
// IA_PD: a 4-byte
// IAID followed by T1 and T2 renew/rebind timers, each 4 bytes, per RFC 3315
// Section 22.4 and RFC 3633 Section 9.
const ia4HeaderLen = 12

// ia6HeaderLen is the length of the fixed-size header of IA_TA: just the
// 4-byte IAID, per
// RFC 3315 Section 22.5.
const ia6HeaderLen = 4

// iaAddrLen is the fixed-size payload of an IA Address option: a 16-byte
// address, followed by preferred and valid lifetimes, each 4 bytes, per
// RFC 3315 Section 22.6.
const iaAddrLen = 24

// iaPrefixLen is the fixed-size payload of an IA Prefix option: preferred and
// valid lifetimes (4 bytes each), a prefix length byte, and a 16-byte prefix,
// per RFC 3633 Section 10.
const iaPrefixLen = 25

// decodedIA is a parsed IA_NA, IA_TA, or IA_PD option from a client request.
type decodedIA struct {
	IAID    [4]byte
	T1, T2  uint32
	Opts    layers.DHCPv6Options
	Type    IAType
}

// decodeIAs extracts every IA_NA, IA_TA, and IA_PD option from msg's options.
func decodeIAs(msg *layers.DHCPv6) (ias []decodedIA) {
	for _, opt := range msg.Options {
		switch opt.Code {
		case layers.DHCPv6OptIANA:
			if ia, ok := decodeIA(opt.Data, ia4HeaderLen, IANA); ok {
				ias = append(ias, ia)
			}
		case layers.DHCPv6OptIATA:
			if ia, ok := decodeIA(opt.Data, ia6HeaderLen, IATA); ok {
				ias = append(ias, ia)
			}
		case dhcpV6OptIAPD:
			if ia, ok := decodeIA(opt.Data, ia4HeaderLen, IAPD); ok {
				ias = append(ias, ia)
			}
		}
	}

	return ias
}

// decodeIA parses a single IA_NA/IA_TA/IA_PD option body, headerLen bytes of
// fixed fields followed by nested options.
func decodeIA(data []byte, headerLen int, typ IAType) (ia decodedIA, ok bool) {
	if len(data) < headerLen {
		return decodedIA{}, false
	}

	ia.Type = typ
	copy(ia.IAID[:], data[:4])

	if headerLen == ia4HeaderLen {
		ia.T1 = binary.BigEndian.Uint32(data[4:8])
		ia.T2 = binary.BigEndian.Uint32(data[8:12])
	}

	opts, _, err := parseDHCPv6SubOptions(data[headerLen:])
	if err != nil {
		return decodedIA{}, false
	}
	ia.Opts = opts

	return ia, true
}

// parseDHCPv6SubOptions decodes a sequence of 16-bit-code/16-bit-length TLV
// options, as nested inside IA_NA/IA_TA/IA_PD bodies.
func parseDHCPv6SubOptions(data []byte) (opts layers.DHCPv6Options, n int, err error) {
	for len(data) >= 4 {
		code := layers.DHCPv6Opt(binary.BigEndian.Uint16(data[0:2]))
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if 4+length > len(data) {
			break
		}

		val := data[4 : 4+length]
		opts = append(opts, layers.NewDHCPv6Option(code, val))

		data = data[4+length:]
		n += 4 + length
	}

	return opts, n, nil
}

// encodeDHCPv6SubOptions serializes opts as a sequence of TLV suboptions.
func encodeDHCPv6SubOptions(opts layers.DHCPv6Options) (data []byte) {
	for _, opt := range opts {
		data = binary.BigEndian.AppendUint16(data, uint16(opt.Code))
		data = binary.BigEndian.AppendUint16(data, uint16(len(opt.Data)))
		data = append(data, opt.Data...)
	}

	return data
}

// buildIAAddrOption builds an IA Address suboption carrying addr with the
// given preferred and valid lifetimes.
func buildIAAddrOption(addr netip.Addr, preferred, valid uint32) (opt layers.DHCPv6Option) {
	data := make([]byte, 0, iaAddrLen)
	data = append(data, addr.As16()[:]...)
	data = binary.BigEndian.AppendUint32(data, preferred)
	data = binary.BigEndian.AppendUint32(data, valid)

	return layers.NewDHCPv6Option(dhcpV6OptIAAddr, data)
}

// buildIAPrefixOption builds an IA Prefix suboption carrying prefix with the
// given preferred and valid lifetimes.
func buildIAPrefixOption(prefix netip.Prefix, preferred, valid uint32) (opt layers.DHCPv6Option) {
	data := make([]byte, 0, iaPrefixLen)
	data = binary.BigEndian.AppendUint32(data, preferred)
	data = binary.BigEndian.AppendUint32(data, valid)
	data = append(data, byte(prefix.Bits()))
	data = append(data, prefix.Addr().As16()[:]...)

	return layers.NewDHCPv6Option(dhcpV6OptIAPrefix, data)
}

// buildIANAOption wraps sub into an IA_NA option with the given identity
// association parameters.
func buildIANAOption(iaid [4]byte, t1, t2 uint32, sub ...layers.DHCPv6Option) (opt layers.DHCPv6Option) {
	return buildIA4Option(layers.DHCPv6OptIANA, iaid, t1, t2, sub...)
}

// buildIAPDOption wraps sub into an IA_PD option with the given identity
// association parameters.
func buildIAPDOption(iaid [4]byte, t1, t2 uint32, sub ...layers.DHCPv6Option) (opt layers.DHCPv6Option) {
	return buildIA4Option(dhcpV6OptIAPD, iaid, t1, t2, sub...)
}

// buildIA4Option builds an IA_NA or IA_PD option, both of which share the
// IAID/T1/T2 header shape.
func buildIA4Option(
	code layers.DHCPv6Opt,
	iaid [4]byte,
	t1, t2 uint32,
	sub ...layers.DHCPv6Option,
) (opt layers.DHCPv6Option) {
	data := make([]byte, 0, ia4HeaderLen)
	data = append(data, iaid[:]...)
	data = binary.BigEndian.AppendUint32(data, t1)
	data = binary.BigEndian.AppendUint32(data, t2)
	data = append(data, encodeDHCPv6SubOptions(sub)...)

	return layers.NewDHCPv6Option(code, data)
}

// buildIATAOption wraps sub into an IA_TA option for the given IAID.
func buildIATAOption(iaid [4]byte, sub ...layers.DHCPv6Option) (opt layers.DHCPv6Option) {
	data := make([]byte, 0, ia6HeaderLen)
	data = append(data, iaid[:]...)
	data = append(data, encodeDHCPv6SubOptions(sub)...)

	return layers.NewDHCPv6Option(layers.DHCPv6OptIATA, data)
}

// Status codes defined by RFC 3315 Section 24.4, RFC 3633 Section 10.1 and
// RFC 3633 Section 11.
const (
	dhcpV6StatusSuccess      uint16 = 0
	dhcpV6StatusUnspecFail   uint16 = 1
	dhcpV6StatusNoAddrsAvail uint16 = 2
	dhcpV6StatusNoBinding    uint16 = 3
	dhcpV6StatusNotOnLink    uint16 = 4
	dhcpV6StatusUseMulticast uint16 = 5
	dhcpV6StatusNoPrefixAvail uint16 = 6
)

// buildStatusCodeOption builds a Status Code option, per RFC 3315
// Section 22.13.
func buildStatusCodeOption(code uint16, msg string) (opt layers.DHCPv6Option) {
	data := binary.BigEndian.AppendUint16(nil, code)
	data = append(data, []byte(msg)...)

	return layers.NewDHCPv6Option(layers.DHCPv6OptStatusCode, data)
}

// clientID6 returns the raw DUID carried in msg's Client Identifier option,
// if any.
func clientID6(msg *layers.DHCPv6) (duid []byte, ok bool) {
	return findOpt6(msg, layers.DHCPv6OptClientID)
}

// serverID6 returns the raw DUID carried in msg's Server Identifier option,
// if any.
func serverID6(msg *layers.DHCPv6) (duid []byte, ok bool) {
	return findOpt6(msg, layers.DHCPv6OptServerID)
}

// rapidCommitRequested reports whether msg carries a Rapid Commit option.
func rapidCommitRequested(msg *layers.DHCPv6) (ok bool) {
	_, ok = findOpt6(msg, layers.DHCPv6OptRapidCommit)

	return ok
}

// requestedOptions6 returns the option codes listed in msg's Option Request
// option, if any.
func requestedOptions6(msg *layers.DHCPv6) (codes []layers.DHCPv6Opt) {
	data, ok := findOpt6(msg, layers.DHCPv6OptOro)
	if !ok || len(data)%2 != 0 {
		return nil
	}

	codes = make([]layers.DHCPv6Opt, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		codes = append(codes, layers.DHCPv6Opt(binary.BigEndian.Uint16(data[i:i+2])))
	}

	return codes
}

// findOpt6 returns the data of the first option in msg matching code.
func findOpt6(msg *layers.DHCPv6, code layers.DHCPv6Opt) (data []byte, ok bool) {
	for _, opt := range msg.Options {
		if opt.Code == code {
			return opt.Data, true
		}
	}

	return nil, false
}

// relayLinkAddr extracts the relay's LinkAddr and the Interface-ID option
// data, if any, from a Relay-Forward message, for use when wrapping the
// eventual response back into a Relay-Reply.
func relayLinkAddr(msg *layers.DHCPv6) (linkAddr net.IP, interfaceID []byte) {
	interfaceID, _ = findOpt6(msg, layers.DHCPv6OptInterfaceID)

	return msg.LinkAddr, interfaceID
}
