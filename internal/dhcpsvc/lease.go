package dhcpsvc

import (
	"bytes"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
)

// leaseState is the state of a v4 lease's binding, following the FREE,
// OFFERED, ACTIVE, EXPIRED, RELEASED, and ABANDONED states.
type leaseState uint8

// leaseState values.
const (
	leaseStateFree leaseState = iota
	leaseStateOffered
	leaseStateActive
	leaseStateExpired
	leaseStateReleased
	leaseStateAbandoned
)

// String implements the fmt.Stringer interface for leaseState.
func (s leaseState) String() (str string) {
	switch s {
	case leaseStateFree:
		return "free"
	case leaseStateOffered:
		return "offered"
	case leaseStateActive:
		return "active"
	case leaseStateExpired:
		return "expired"
	case leaseStateReleased:
		return "released"
	case leaseStateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Lease is a DHCP lease binding a hardware address to an IP address for a
// bounded lifetime.
//
// TODO(e.burkov):  Add validation method.
type Lease struct {
	// IP is the IP address leased to the client.  It must not be empty.
	IP netip.Addr

	// Expiry is the expiration time of the lease or its blocking expiration
	// time.
	Expiry time.Time

	// Starts is the time the lease was committed.
	Starts time.Time

	// Tstp is the time a failover peer was told the lease expires, used for
	// failover reconciliation.  It's the zero time if no peer is configured.
	Tstp time.Time

	// Tsfp is the potential expiry time sent from a failover peer.  It's the
	// zero time if no peer is configured.
	Tsfp time.Time

	// Hostname of the client.  It may be empty if the lease is blocked.
	Hostname string

	// ClientHostname is the hostname as requested by the client via option 12,
	// kept distinct from Hostname since the latter may be rewritten by DDNS
	// policy.
	ClientHostname string

	// DDNSFwdName is the name registered in the forward DNS zone for this
	// lease, or empty if none was registered.
	DDNSFwdName string

	// DDNSRevName is the name registered in the reverse DNS zone for this
	// lease, or empty if none was registered.
	DDNSRevName string

	// HWAddr is the physical hardware (MAC) address.  It must not be nil.
	HWAddr net.HardwareAddr

	// ClientID is the client identifier from option 61, if the client sent
	// one.  It's used as an additional index key and for find_lease
	// reconciliation, see [leaseIndex].
	ClientID []byte

	// Scope holds the named variable bindings accumulated by "set" statements
	// executed while processing messages for this lease, persisted across
	// renewals.
	Scope map[string]string

	// OnExpiry is the statement list to execute when the lease expires.
	OnExpiry []Statement

	// OnRelease is the statement list to execute when the client releases the
	// lease.
	OnRelease []Statement

	// OnCommit is the statement list to execute when the lease is committed.
	OnCommit []Statement

	// PoolID identifies the pool this lease was allocated from, or 0 if the
	// lease is static and not bound to a pool.
	PoolID uint32

	// HostID identifies the host reservation this lease corresponds to, or 0
	// if the lease isn't a reservation.
	HostID uint32

	// State is the lease's place in the FREE/OFFERED/ACTIVE/EXPIRED/
	// RELEASED/ABANDONED state machine.
	State leaseState

	// IsStatic defines if the lease is static.
	IsStatic bool

	// chainUID links to the next lease sharing the same ClientID, forming
	// the n_uid collision chain for [leaseIndex]'s byUID hash index
	// (spec.md §3).  It's nil if l is the last or only lease in its chain.
	chainUID *Lease

	// chainHWAddr links to the next lease sharing the same HWAddr, forming
	// the n_hw collision chain for [leaseIndex]'s byHWAddr hash index
	// (spec.md §3).  It's nil if l is the last or only lease in its chain.
	chainHWAddr *Lease

	// heapIndex is the lease's position in its interface's expiry heap, see
	// [leaseHeap].  It's maintained exclusively by container/heap.
	heapIndex int
}

// Clone returns a deep copy of l.
func (l *Lease) Clone() (clone *Lease) {
	if l == nil {
		return nil
	}

	var scope map[string]string
	if l.Scope != nil {
		scope = make(map[string]string, len(l.Scope))
		for k, v := range l.Scope {
			scope[k] = v
		}
	}

	return &Lease{
		IP:             l.IP,
		Expiry:         l.Expiry,
		Starts:         l.Starts,
		Tstp:           l.Tstp,
		Tsfp:           l.Tsfp,
		Hostname:       l.Hostname,
		ClientHostname: l.ClientHostname,
		DDNSFwdName:    l.DDNSFwdName,
		DDNSRevName:    l.DDNSRevName,
		HWAddr:         slices.Clone(l.HWAddr),
		ClientID:       slices.Clone(l.ClientID),
		Scope:          scope,
		OnExpiry:       slices.Clone(l.OnExpiry),
		OnRelease:      slices.Clone(l.OnRelease),
		OnCommit:       slices.Clone(l.OnCommit),
		PoolID:         l.PoolID,
		HostID:         l.HostID,
		State:          l.State,
		IsStatic:       l.IsStatic,
	}
}

// EUI48AddrLen is the length of a valid EUI-48 hardware address.
const EUI48AddrLen = 6

// blockedHardwareAddr is the hardware address used to mark a lease as
// blocked, i.e. an address the ICMP check found already in use.
var blockedHardwareAddr = make(net.HardwareAddr, EUI48AddrLen)

// IsBlocked returns true if the lease is blocked.
func (l *Lease) IsBlocked() (blocked bool) {
	return bytes.Equal(l.HWAddr, blockedHardwareAddr)
}

// updateExpiry updates the lease expiry time if the current time is past the
// expiry.  For static leases, this operation is a no-op.
func (l *Lease) updateExpiry(clock timeutil.Clock, ttl time.Duration) {
	if l.IsStatic {
		return
	}

	now := clock.Now()
	if now.Before(l.Expiry) {
		return
	}

	l.Expiry = now.Add(ttl)
}

// abandon transitions l into the ABANDONED state: the address is considered
// unusable by the server until now plus penalty, set as its Expiry, since
// something else answered the ICMP probe or the client sent DHCPDECLINE for
// it.
func (l *Lease) abandon(now time.Time, penalty time.Duration) {
	l.State = leaseStateAbandoned
	l.HWAddr = blockedHardwareAddr
	l.Hostname = ""
	l.ClientID = nil
	l.IsStatic = false
	l.Expiry = now.Add(penalty)
}

// release transitions l into the RELEASED state in response to a client's
// DHCPRELEASE; the address becomes immediately eligible for reallocation.
func (l *Lease) release(now time.Time) {
	l.State = leaseStateReleased
	l.Expiry = now
}

// expire transitions l into the EXPIRED state; it remains indexed until
// reclaimed by allocation so that find_lease reconciliation can still see it.
func (l *Lease) expire(now time.Time) {
	if l.IsStatic {
		return
	}

	l.State = leaseStateExpired
	l.Expiry = now
}
