package dhcpsvc

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/gopacket/layers"
)

// IPv6Config is the interface-specific configuration for DHCPv6.
type IPv6Config struct {
	// Clock is used to get current time.  It should not be nil.
	Clock timeutil.Clock

	// Prefix is the subnet this interface serves IA_NA/IA_TA addresses from.
	// It must be a valid IPv6 prefix.
	Prefix netip.Prefix

	// DelegatedPrefix is the prefix this interface delegates sub-prefixes
	// from for IA_PD.  It's the zero [netip.Prefix] if prefix delegation
	// isn't offered.
	DelegatedPrefix netip.Prefix

	// DelegatedLen is the bit length of the prefixes handed out from
	// DelegatedPrefix.  It must be greater than DelegatedPrefix's own length
	// and at most 128.
	DelegatedLen int

	// Options is the list of explicit DHCP options to send to clients.
	Options layers.DHCPv6Options

	// LeaseDuration is the valid lifetime of an IA_NA/IA_TA binding.  It
	// should be positive.
	LeaseDuration time.Duration

	// GracePeriod is how long an expired binding is held before its address
	// is handed to a different client.
	GracePeriod time.Duration

	// RASLAACOnly defines whether the DHCP clients should only use SLAAC for
	// address assignment.
	RASLAACOnly bool

	// RAAllowSlaac defines whether the DHCP clients may use SLAAC for address
	// assignment.
	RAAllowSLAAC bool

	// Enabled is the state of the DHCPv6 service, whether it is enabled or not
	// on the specific interface.
	Enabled bool
}

// type check
var _ validate.Interface = (*IPv6Config)(nil)

// Validate implements the [validate.Interface] interface for *IPv6Config.
func (c *IPv6Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	} else if !c.Enabled {
		return nil
	}

	errs := []error{
		validate.NotNilInterface("clock", c.Clock),
	}

	if !c.Prefix.IsValid() || !c.Prefix.Addr().Is6() {
		errs = append(errs, fmt.Errorf("prefix %s should be a valid ipv6 prefix", c.Prefix))
	}

	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("lease duration %s must be positive", c.LeaseDuration))
	}

	if c.DelegatedPrefix.IsValid() && c.DelegatedLen <= c.DelegatedPrefix.Bits() {
		errs = append(errs, fmt.Errorf(
			"delegated length %d must exceed delegated prefix length %d",
			c.DelegatedLen,
			c.DelegatedPrefix.Bits(),
		))
	}

	return errors.Join(errs...)
}

// dhcpInterfaceV6 is a DHCP interface for IPv6 address family.
type dhcpInterfaceV6 struct {
	// common is the common part of any network interface within the DHCP
	// server.
	common *netInterface

	// subnet is the IA_NA/IA_TA address range served by this interface.
	subnet netip.Prefix

	// naPool allocates IA_NA/IA_TA addresses.
	naPool *v6Pool

	// pdPool allocates IA_PD prefixes, or nil if prefix delegation isn't
	// offered on this interface.
	pdPool *v6Pool

	// bindings indexes every active [IA] by client DUID and IAID, so renewal
	// requests can find their existing binding regardless of address.
	bindings map[iaKey]*IA

	// implicitOpts are the DHCPv6 options with server-chosen defaults.  It
	// must not have intersections with explicitOpts.
	implicitOpts layers.DHCPv6Options

	// explicitOpts are the user-configured options.
	explicitOpts layers.DHCPv6Options

	// clock is used to get current time.
	clock timeutil.Clock

	// duid is the server's own DHCPv6 Server Identifier, shared across every
	// interface.  It may be nil if it couldn't be derived from any
	// interface's hardware address, in which case the Server Identifier
	// option is omitted.
	duid []byte

	leaseTTL time.Duration

	// raSLAACOnly defines if DHCP should send ICMPv6.RA packets without MO
	// flags.
	raSLAACOnly bool

	// raAllowSLAAC defines if DHCP should send ICMPv6.RA packets with MO
	// flags.
	raAllowSLAAC bool
}

// iaKey identifies a client's identity association for binding lookups.
type iaKey struct {
	duid string
	iaid [4]byte
	typ  IAType
}

// newDHCPInterfaceV6 creates a new DHCP interface for IPv6 address family with
// the given configuration.  If the interface is disabled, it returns nil.
// conf must be valid.
func (srv *DHCPServer) newDHCPInterfaceV6(
	ctx context.Context,
	l *slog.Logger,
	name string,
	conf *IPv6Config,
) (iface *dhcpInterfaceV6) {
	if !conf.Enabled {
		l.DebugContext(ctx, "disabled")

		return nil
	}

	iface = &dhcpInterfaceV6{
		subnet:       conf.Prefix,
		naPool:       newV6Pool(conf.Prefix, 64, conf.GracePeriod),
		bindings:     map[iaKey]*IA{},
		clock:        conf.Clock,
		duid:         srv.duid,
		leaseTTL:     conf.LeaseDuration,
		raSLAACOnly:  conf.RASLAACOnly,
		raAllowSLAAC: conf.RAAllowSLAAC,
		common: &netInterface{
			logger:   l,
			leases:   map[macKey]*Lease{},
			indexMu:  srv.leasesMu,
			index:    srv.leases,
			name:     name,
			leaseTTL: conf.LeaseDuration,
		},
	}

	if conf.DelegatedPrefix.IsValid() {
		iface.pdPool = newV6Pool(conf.DelegatedPrefix, conf.DelegatedLen, conf.GracePeriod)
	}

	iface.implicitOpts, iface.explicitOpts = conf.options(ctx, l)

	return iface
}

// dhcpInterfacesV6 is a slice of network interfaces of IPv6 address family.
type dhcpInterfacesV6 []*dhcpInterfaceV6

// find returns the common interface within ifaces whose subnet contains ip.
func (ifaces dhcpInterfacesV6) find(ip netip.Addr) (iface6 *netInterface, ok bool) {
	i := slices.IndexFunc(ifaces, func(iface *dhcpInterfaceV6) (contains bool) {
		return iface.subnet.Contains(ip)
	})
	if i < 0 {
		return nil, false
	}

	return ifaces[i].common, true
}

// options returns the implicit and explicit options for the interface.  The
// two lists are disjoint.
func (c *IPv6Config) options(ctx context.Context, l *slog.Logger) (imp, exp layers.DHCPv6Options) {
	imp = layers.DHCPv6Options{}
	slices.SortFunc(imp, compareV6OptionCodes)

	for _, e := range c.Options {
		i, found := slices.BinarySearchFunc(imp, e, compareV6OptionCodes)
		if found {
			imp = slices.Delete(imp, i, i+1)
		}

		exp = append(exp, e)
	}

	l.DebugContext(ctx, "options", "implicit", imp, "explicit", exp)

	return imp, exp
}

// compareV6OptionCodes compares option codes of a and b.
func compareV6OptionCodes(a, b layers.DHCPv6Option) (res int) {
	return int(a.Code) - int(b.Code)
}
