package dhcpsvc

import (
	"net/netip"
	"time"
)

// IAType distinguishes the three kinds of IPv6 identity association, each
// carrying a different binding payload.
type IAType uint8

// IAType values.
const (
	IANA IAType = iota
	IATA
	IAPD
)

// String implements the fmt.Stringer interface for IAType.
func (t IAType) String() (s string) {
	switch t {
	case IANA:
		return "IA_NA"
	case IATA:
		return "IA_TA"
	case IAPD:
		return "IA_PD"
	default:
		return "unknown"
	}
}

// IA is a single identity association binding, the v6 analogue of a v4
// [Lease].  IA_NA and IA_TA bindings use Addr; IA_PD bindings use Prefix.
type IA struct {
	Expiry time.Time

	DUID []byte

	Addr   netip.Addr
	Prefix netip.Prefix

	PreferredLifetime time.Duration
	ValidLifetime     time.Duration

	// T1 and T2 are renew/rebind timers, meaningful for IA_NA and IA_PD; an
	// IA_TA carries neither.
	T1 time.Duration
	T2 time.Duration

	IAID [4]byte

	PoolID uint32
	Type   IAType

	// index is maintained by the pool's expiry heaps; callers must not set
	// it directly.
	index int
}
