package dhcpsvc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// responseWriter6 sends a DHCPv6 response towards the original requester,
// unwinding through as many Relay-Reply envelopes as the request arrived
// wrapped in Relay-Forward ones.
type responseWriter6 interface {
	send(resp *layers.DHCPv6) (err error)
}

// directResponseWriter6 sends a DHCPv6 response straight over the wire the
// request arrived on, with no relay involved.
type directResponseWriter6 struct {
	fd *frameData6
}

// type check
var _ responseWriter6 = (*directResponseWriter6)(nil)

// send implements the [responseWriter6] interface for *directResponseWriter6.
func (w *directResponseWriter6) send(resp *layers.DHCPv6) (err error) {
	return respond6(w.fd, resp)
}

// relayResponseWriter6 wraps a response in a Relay-Reply envelope using the
// enclosing Relay-Forward message's addresses and, if present, its
// Interface-ID option, before handing the envelope to next.
type relayResponseWriter6 struct {
	next        responseWriter6
	linkAddr    net.IP
	peerAddr    net.IP
	interfaceID []byte
}

// type check
var _ responseWriter6 = (*relayResponseWriter6)(nil)

// send implements the [responseWriter6] interface for *relayResponseWriter6.
func (w *relayResponseWriter6) send(resp *layers.DHCPv6) (err error) {
	inner, err := serializeDHCPv6(resp)
	if err != nil {
		return fmt.Errorf("serializing relayed message: %w", err)
	}

	wrapped := &layers.DHCPv6{
		MsgType:  layers.DHCPv6MsgTypeRelayReply,
		LinkAddr: w.linkAddr,
		PeerAddr: w.peerAddr,
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptRelayMessage, inner),
		},
	}

	if w.interfaceID != nil {
		wrapped.Options = append(
			wrapped.Options,
			layers.NewDHCPv6Option(layers.DHCPv6OptInterfaceID, w.interfaceID),
		)
	}

	return w.next.send(wrapped)
}

// serializeDHCPv6 serializes msg on its own, without the surrounding
// Ethernet/IPv6/UDP layers, for embedding as a Relay Message option's data.
func serializeDHCPv6(msg *layers.DHCPv6) (data []byte, err error) {
	buf := gopacket.NewSerializeBuffer()

	err = msg.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// serveV6 handles the ethernet packet of IPv6 type.  iface, fd, and pkt must
// not be nil.
func (srv *DHCPServer) serveV6(
	ctx context.Context,
	iface *dhcpInterfaceV6,
	fd *frameData6,
	pkt gopacket.Packet,
) (err error) {
	defer func() { err = errors.Annotate(err, "serving dhcpv6: %w") }()

	msg, ok := pkt.Layer(layers.LayerTypeDHCPv6).(*layers.DHCPv6)
	if !ok {
		// TODO(e.burkov):  Consider adding some debug information about the
		// actual received packet.
		srv.logger.DebugContext(ctx, "skipping non-dhcpv6 packet")

		return nil
	}

	// TODO(e.burkov):  Handle duplicate TransactionID.

	return srv.handleDHCPv6(ctx, iface, &directResponseWriter6{fd: fd}, msg)
}

// handleDHCPv6 handles the DHCPv6 message of the given type, recursing
// through Relay-Forward wrappers until it reaches the client's original
// message.
func (srv *DHCPServer) handleDHCPv6(
	ctx context.Context,
	iface *dhcpInterfaceV6,
	rw responseWriter6,
	msg *layers.DHCPv6,
) (err error) {
	if msg.MsgType == layers.DHCPv6MsgTypeRelayForward {
		return srv.handleRelayForward(ctx, iface, rw, msg)
	}

	if iface == nil {
		return fmt.Errorf("dhcpv6: %w: no matching interface", errors.ErrBadEnumValue)
	}

	switch msg.MsgType {
	case layers.DHCPv6MsgTypeSolicit:
		iface.handleSolicit(ctx, rw, msg)
	case layers.DHCPv6MsgTypeRequest:
		iface.handleRequest6(ctx, rw, msg)
	case layers.DHCPv6MsgTypeConfirm:
		iface.handleConfirm(ctx, rw, msg)
	case layers.DHCPv6MsgTypeRenew:
		iface.handleRenew(ctx, rw, msg)
	case layers.DHCPv6MsgTypeRebind:
		iface.handleRebind(ctx, rw, msg)
	case layers.DHCPv6MsgTypeRelease:
		iface.handleRelease6(ctx, rw, msg)
	case layers.DHCPv6MsgTypeDecline:
		iface.handleDecline6(ctx, rw, msg)
	case layers.DHCPv6MsgTypeInformationRequest:
		iface.handleInformationRequest(ctx, rw, msg)
	default:
		return fmt.Errorf("dhcpv6: request type: %w: %v", errors.ErrBadEnumValue, msg.MsgType)
	}

	return nil
}

// handleRelayForward unwraps a Relay-Forward message's embedded Relay
// Message option and recurses into handleDHCPv6, arranging for the eventual
// response to be wrapped back into a matching Relay-Reply.
func (srv *DHCPServer) handleRelayForward(
	ctx context.Context,
	iface *dhcpInterfaceV6,
	rw responseWriter6,
	msg *layers.DHCPv6,
) (err error) {
	data, ok := findOpt6(msg, layers.DHCPv6OptRelayMessage)
	if !ok {
		return fmt.Errorf("dhcpv6: relay-forward: %w: no relay message option", errors.ErrNoValue)
	}

	inner := &layers.DHCPv6{}
	err = inner.DecodeFromBytes(data, gopacket.NilDecodeFeedback)
	if err != nil {
		return fmt.Errorf("dhcpv6: relay-forward: decoding inner message: %w", err)
	}

	_, interfaceID := relayLinkAddr(msg)

	wrapped := &relayResponseWriter6{
		next:        rw,
		linkAddr:    msg.LinkAddr,
		peerAddr:    msg.PeerAddr,
		interfaceID: interfaceID,
	}

	return srv.handleDHCPv6(ctx, iface, wrapped, inner)
}

// handleSolicit handles a SOLICIT message, offering a binding per requested
// IA and, if the client included a Rapid Commit option, committing it
// immediately.  msg must not be nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-17.2.
func (iface *dhcpInterfaceV6) handleSolicit(ctx context.Context, rw responseWriter6, msg *layers.DHCPv6) {
	duid, ok := clientID6(msg)
	if !ok {
		iface.common.logger.DebugContext(ctx, "solicit: no client id")

		return
	}

	rapid := rapidCommitRequested(msg)

	resp := iface.assign(ctx, duid, msg, rapid)
	if resp == nil {
		return
	}

	if err := rw.send(resp); err != nil {
		iface.common.logger.ErrorContext(ctx, "writing solicit reply", "error", err)
	}
}

// handleRequest6 handles a REQUEST message, committing the bindings a client
// chose after an earlier advertisement.  msg must not be nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-18.1.1.
func (iface *dhcpInterfaceV6) handleRequest6(ctx context.Context, rw responseWriter6, msg *layers.DHCPv6) {
	duid, ok := clientID6(msg)
	if !ok {
		iface.common.logger.DebugContext(ctx, "request: no client id")

		return
	}

	if !iface.matchesServerID(msg) {
		iface.common.logger.DebugContext(ctx, "request: server id mismatch")

		return
	}

	resp := iface.assign(ctx, duid, msg, true)
	if resp == nil {
		return
	}

	if err := rw.send(resp); err != nil {
		iface.common.logger.ErrorContext(ctx, "writing request reply", "error", err)
	}
}

// handleRenew handles a RENEW message, extending the lifetime of bindings
// the client already holds.  msg must not be nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-18.1.3.
func (iface *dhcpInterfaceV6) handleRenew(ctx context.Context, rw responseWriter6, msg *layers.DHCPv6) {
	duid, ok := clientID6(msg)
	if !ok {
		iface.common.logger.DebugContext(ctx, "renew: no client id")

		return
	}

	resp := iface.renew(ctx, duid, msg)
	if resp == nil {
		return
	}

	if err := rw.send(resp); err != nil {
		iface.common.logger.ErrorContext(ctx, "writing renew reply", "error", err)
	}
}

// handleRebind handles a REBIND message the same way as RENEW, since this
// implementation doesn't distinguish servers by reachability.  msg must not
// be nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-18.1.4.
func (iface *dhcpInterfaceV6) handleRebind(ctx context.Context, rw responseWriter6, msg *layers.DHCPv6) {
	iface.handleRenew(ctx, rw, msg)
}

// handleConfirm handles a CONFIRM message, validating that the addresses the
// client believes it holds are still appropriate for this link.  msg must
// not be nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-18.1.2.
func (iface *dhcpInterfaceV6) handleConfirm(ctx context.Context, rw responseWriter6, msg *layers.DHCPv6) {
	duid, ok := clientID6(msg)
	if !ok {
		iface.common.logger.DebugContext(ctx, "confirm: no client id")

		return
	}

	status := dhcpV6StatusSuccess
	for _, ia := range decodeIAs(msg) {
		if ia.Type != IANA && ia.Type != IATA {
			continue
		}

		for _, sub := range ia.Opts {
			if sub.Code != dhcpV6OptIAAddr || len(sub.Data) < 16 {
				continue
			}

			addr, aok := netip.AddrFromSlice(sub.Data[:16])
			if !aok || !iface.subnet.Contains(addr) {
				status = dhcpV6StatusNotOnLink
			}
		}
	}

	resp := &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeReply,
		TransactionID: msg.TransactionID,
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid),
			buildStatusCodeOption(status, ""),
		},
	}
	iface.addServerID(resp)

	if err := rw.send(resp); err != nil {
		iface.common.logger.ErrorContext(ctx, "writing confirm reply", "error", err)
	}
}

// handleRelease6 handles a RELEASE message, returning the client's bindings
// to their pools' grace period.  msg must not be nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-18.1.6.
func (iface *dhcpInterfaceV6) handleRelease6(ctx context.Context, rw responseWriter6, msg *layers.DHCPv6) {
	duid, ok := clientID6(msg)
	if !ok {
		iface.common.logger.DebugContext(ctx, "release: no client id")

		return
	}

	if !iface.matchesServerID(msg) {
		iface.common.logger.DebugContext(ctx, "release: server id mismatch")

		return
	}

	now := iface.clock.Now()
	for _, dia := range decodeIAs(msg) {
		key := iaKey{duid: string(duid), iaid: dia.IAID, typ: dia.Type}
		ia, found := iface.bindings[key]
		if !found {
			continue
		}

		pool := iface.poolFor(dia.Type)
		if pool != nil {
			pool.release(ia, now)
		}

		delete(iface.bindings, key)
	}

	resp := &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeReply,
		TransactionID: msg.TransactionID,
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid),
			buildStatusCodeOption(dhcpV6StatusSuccess, ""),
		},
	}
	iface.addServerID(resp)

	if err := rw.send(resp); err != nil {
		iface.common.logger.ErrorContext(ctx, "writing release reply", "error", err)
	}
}

// handleDecline6 handles a DECLINE message, treating the declined bindings
// the same as released ones: this implementation doesn't separately track
// addresses known to be in conflict.  msg must not be nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-18.1.7.
func (iface *dhcpInterfaceV6) handleDecline6(ctx context.Context, rw responseWriter6, msg *layers.DHCPv6) {
	iface.handleRelease6(ctx, rw, msg)
}

// handleInformationRequest handles an INFORMATION-REQUEST message, replying
// with configuration options but no address assignment.  msg must not be
// nil.
//
// See https://datatracker.ietf.org/doc/html/rfc3315#section-18.1.5.
func (iface *dhcpInterfaceV6) handleInformationRequest(
	ctx context.Context,
	rw responseWriter6,
	msg *layers.DHCPv6,
) {
	resp := &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeReply,
		TransactionID: msg.TransactionID,
	}

	if duid, ok := clientID6(msg); ok {
		resp.Options = append(resp.Options, layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid))
	}

	iface.addServerID(resp)
	iface.updateOptions6(resp, msg)

	if err := rw.send(resp); err != nil {
		iface.common.logger.ErrorContext(ctx, "writing information-request reply", "error", err)
	}
}

// addServerID appends this interface's Server Identifier option to resp, if
// one could be derived at startup.  Every Advertise/Reply carries it
// regardless of message type, per RFC 3315 Section 17.2.2/18.2.
func (iface *dhcpInterfaceV6) addServerID(resp *layers.DHCPv6) {
	if iface.duid == nil {
		return
	}

	resp.Options = append(resp.Options, layers.NewDHCPv6Option(layers.DHCPv6OptServerID, iface.duid))
}

// matchesServerID reports whether msg's Server Identifier option, if any,
// matches this interface's own DUID.  A message carrying no Server
// Identifier passes trivially, since Rebind and Confirm never include one.
func (iface *dhcpInterfaceV6) matchesServerID(msg *layers.DHCPv6) (ok bool) {
	sid, has := serverID6(msg)
	if !has || iface.duid == nil {
		return true
	}

	return bytes.Equal(sid, iface.duid)
}

// poolFor returns the allocation pool for IAs of the given type, or nil if
// none applies.  IA_TA has no pool of its own: it shares the IA_NA pool, so
// temporary and non-temporary addresses come from the same range.
func (iface *dhcpInterfaceV6) poolFor(typ IAType) (pool *v6Pool) {
	switch typ {
	case IANA, IATA:
		return iface.naPool
	case IAPD:
		return iface.pdPool
	default:
		return nil
	}
}

// assign builds a Reply (if commit is true) or an Advertise (otherwise) for
// every IA_NA/IA_TA/IA_PD in msg, allocating new bindings as needed.  duid
// and msg must not be nil.
func (iface *dhcpInterfaceV6) assign(
	ctx context.Context,
	duid []byte,
	msg *layers.DHCPv6,
	commit bool,
) (resp *layers.DHCPv6) {
	ias := decodeIAs(msg)
	if len(ias) == 0 {
		iface.common.logger.DebugContext(ctx, "no identity associations requested")

		return nil
	}

	msgType := layers.DHCPv6MsgTypeAdvertise
	if commit {
		msgType = layers.DHCPv6MsgTypeReply
	}

	resp = &layers.DHCPv6{
		MsgType:       msgType,
		TransactionID: msg.TransactionID,
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid),
		},
	}
	iface.addServerID(resp)

	now := iface.clock.Now()

	for _, dia := range ias {
		pool := iface.poolFor(dia.Type)
		if pool == nil {
			continue
		}

		key := iaKey{duid: string(duid), iaid: dia.IAID, typ: dia.Type}
		ia, found := iface.bindings[key]
		if !found {
			ia = iface.newIA(duid, dia, now)
			if ia == nil {
				resp.Options = append(resp.Options, buildIAStatusOption(dia, dhcpV6StatusNoAddrsAvail))

				continue
			}

			if commit {
				pool.bind(ia)
				iface.bindings[key] = ia
			}
		} else if commit {
			pool.renew(ia, now, iface.leaseTTL)
		}

		resp.Options = append(resp.Options, iface.buildIAResponse(dia, ia))
	}

	if commit {
		resp.Options = append(resp.Options, layers.NewDHCPv6Option(layers.DHCPv6OptRapidCommit, nil))
	}

	iface.updateOptions6(resp, msg)

	return resp
}

// renew extends the lifetime of the client's existing bindings referenced by
// msg's IAs, replying with a NoBinding status for any IA this server doesn't
// recognize.  duid and msg must not be nil.
func (iface *dhcpInterfaceV6) renew(ctx context.Context, duid []byte, msg *layers.DHCPv6) (resp *layers.DHCPv6) {
	ias := decodeIAs(msg)
	if len(ias) == 0 {
		iface.common.logger.DebugContext(ctx, "no identity associations requested")

		return nil
	}

	resp = &layers.DHCPv6{
		MsgType:       layers.DHCPv6MsgTypeReply,
		TransactionID: msg.TransactionID,
		Options: layers.DHCPv6Options{
			layers.NewDHCPv6Option(layers.DHCPv6OptClientID, duid),
		},
	}
	iface.addServerID(resp)

	now := iface.clock.Now()

	for _, dia := range ias {
		key := iaKey{duid: string(duid), iaid: dia.IAID, typ: dia.Type}
		ia, found := iface.bindings[key]
		if !found {
			resp.Options = append(resp.Options, buildIAStatusOption(dia, dhcpV6StatusNoBinding))

			continue
		}

		if pool := iface.poolFor(dia.Type); pool != nil {
			pool.renew(ia, now, iface.leaseTTL)
		}

		resp.Options = append(resp.Options, iface.buildIAResponse(dia, ia))
	}

	iface.updateOptions6(resp, msg)

	return resp
}

// newIA allocates a new binding for dia from the appropriate pool, setting
// its lifetimes from iface's configured lease duration.  duid must not be
// nil.  It returns nil if the pool is exhausted.
func (iface *dhcpInterfaceV6) newIA(duid []byte, dia decodedIA, now time.Time) (ia *IA) {
	pool := iface.poolFor(dia.Type)
	if pool == nil {
		return nil
	}

	if dia.Type == IAPD {
		prefix, ok := pool.allocatePrefix(duid, dia.IAID, now)
		if !ok {
			return nil
		}

		return &IA{
			Expiry:            now.Add(iface.leaseTTL),
			DUID:              duid,
			Prefix:            prefix,
			PreferredLifetime: iface.leaseTTL,
			ValidLifetime:     iface.leaseTTL,
			T1:                iface.leaseTTL / 2,
			T2:                iface.leaseTTL * 4 / 5,
			IAID:              dia.IAID,
			Type:              dia.Type,
		}
	}

	addr, ok := pool.allocate(duid, dia.IAID, now)
	if !ok {
		return nil
	}

	return &IA{
		Expiry:            now.Add(iface.leaseTTL),
		DUID:              duid,
		Addr:              addr,
		PreferredLifetime: iface.leaseTTL,
		ValidLifetime:     iface.leaseTTL,
		T1:                iface.leaseTTL / 2,
		T2:                iface.leaseTTL * 4 / 5,
		IAID:              dia.IAID,
		Type:              dia.Type,
	}
}

// buildIAResponse builds the response option for a single IA, wrapping a
// Status Code of success alongside its address or prefix.  ia must not be
// nil.
func (iface *dhcpInterfaceV6) buildIAResponse(dia decodedIA, ia *IA) (opt layers.DHCPv6Option) {
	preferred := uint32(ia.PreferredLifetime.Seconds())
	valid := uint32(ia.ValidLifetime.Seconds())

	switch dia.Type {
	case IANA:
		return buildIANAOption(
			dia.IAID, uint32(ia.T1.Seconds()), uint32(ia.T2.Seconds()),
			buildIAAddrOption(ia.Addr, preferred, valid),
			buildStatusCodeOption(dhcpV6StatusSuccess, ""),
		)
	case IATA:
		return buildIATAOption(
			dia.IAID,
			buildIAAddrOption(ia.Addr, preferred, valid),
			buildStatusCodeOption(dhcpV6StatusSuccess, ""),
		)
	default:
		return buildIAPDOption(
			dia.IAID, uint32(ia.T1.Seconds()), uint32(ia.T2.Seconds()),
			buildIAPrefixOption(ia.Prefix, preferred, valid),
			buildStatusCodeOption(dhcpV6StatusSuccess, ""),
		)
	}
}

// buildIAStatusOption wraps a single Status Code suboption in an IA
// container of the type matching dia, for replies that carry no address or
// prefix (e.g. NoBinding, NoAddrsAvail).
func buildIAStatusOption(dia decodedIA, status uint16) (opt layers.DHCPv6Option) {
	statusOpt := buildStatusCodeOption(status, "")

	switch dia.Type {
	case IANA:
		return buildIANAOption(dia.IAID, 0, 0, statusOpt)
	case IATA:
		return buildIATAOption(dia.IAID, statusOpt)
	default:
		return buildIAPDOption(dia.IAID, 0, 0, statusOpt)
	}
}

// updateOptions6 appends the interface's implicit options that msg requested
// via its Option Request option, followed by every explicit option with
// non-nil data whether requested or not, mirroring the IPv4 side's
// updateOptions.
func (iface *dhcpInterfaceV6) updateOptions6(resp, msg *layers.DHCPv6) {
	requested := requestedOptions6(msg)

	for _, code := range requested {
		for _, opt := range iface.implicitOpts {
			if opt.Code == code {
				resp.Options = append(resp.Options, opt)
			}
		}
	}

	for _, opt := range iface.explicitOpts {
		if opt.Data != nil {
			resp.Options = append(resp.Options, opt)
		}
	}
}

// respond6 sends a DHCPv6 response.  fd and resp must not be nil.
func respond6(fd *frameData6, resp *layers.DHCPv6) (err error) {
	buf := gopacket.NewSerializeBuffer()

	eth := &layers.Ethernet{
		SrcMAC:       fd.ether.SrcMAC,
		DstMAC:       fd.ether.DstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    IPv6ProtoVersion,
		HopLimit:   IPv6DefaultHopLimit,
		SrcIP:      fd.ip.DstIP,
		DstIP:      fd.ip.SrcIP,
		NextHeader: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: ServerPortV6,
		DstPort: ClientPortV6,
	}
	_ = udp.SetNetworkLayerForChecksum(ip)

	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, resp)
	if err != nil {
		return fmt.Errorf("constructing dhcp v6 response: %w", err)
	}

	return fd.device.WritePacketData(buf.Bytes())
}

// Port numbers and protocol constants for DHCPv6.
//
// See RFC 3315 Section 5.2.
const (
	// ServerPortV6 is the standard DHCPv6 server port.
	ServerPortV6 layers.UDPPort = 547

	// ClientPortV6 is the standard DHCPv6 client port.
	ClientPortV6 layers.UDPPort = 546

	// IPv6ProtoVersion is the IP internetwork general protocol version
	// number for IPv6.
	IPv6ProtoVersion = 6

	// IPv6DefaultHopLimit is the default hop limit used for replies.
	IPv6DefaultHopLimit = 64
)
