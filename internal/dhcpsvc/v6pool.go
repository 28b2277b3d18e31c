package dhcpsvc

import (
	"container/heap"
	"crypto/md5" //nolint:gosec // Used for deterministic placement, not for security.
	"net/netip"
	"time"
)

// iaHeap is a min-heap of *IA ordered by Expiry, implementing
// container/heap.Interface.  A [v6Pool] keeps two of these: one for
// currently-bound IAs (to find the next one due for expiry) and one for IAs
// their client released or declined, held until their grace period elapses
// (to find the next one eligible for garbage collection).  A bound IA whose
// Expiry passes without a Release or Decline stays in the first heap.
type iaHeap []*IA

// type check
var _ heap.Interface = (*iaHeap)(nil)

func (h iaHeap) Len() (n int) { return len(h) }

func (h iaHeap) Less(i, j int) (less bool) { return h[i].Expiry.Before(h[j].Expiry) }

func (h iaHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *iaHeap) Push(x any) {
	ia := x.(*IA)
	ia.index = len(*h)
	*h = append(*h, ia)
}

func (h *iaHeap) Pop() (x any) {
	old := *h
	n := len(old)
	ia := old[n-1]
	old[n-1] = nil
	ia.index = -1
	*h = old[:n-1]

	return ia
}

// peek returns the IA with the earliest Expiry without removing it.
func (h iaHeap) peek() (ia *IA, ok bool) {
	if len(h) == 0 {
		return nil, false
	}

	return h[0], true
}

// v6Pool allocates IPv6 addresses or prefixes deterministically from a
// configured range, placing each client at a hash-derived offset instead of
// sequentially, so the same client reliably gets the same address across
// restarts without persisting an explicit map.
type v6Pool struct {
	Prefix netip.Prefix

	// AllocBits is the length, in bits, of the addresses/prefixes this pool
	// hands out: 64 for IA_NA/IA_TA, and the configured delegated prefix
	// length for IA_PD.
	AllocBits int

	// GracePeriod is how long an expired binding is retained before its
	// address becomes available to a different client.
	GracePeriod time.Duration

	byKey map[string]*IA

	active   iaHeap
	released iaHeap
}

// newV6Pool returns an empty pool over prefix, handing out addresses/prefixes
// allocBits long.
func newV6Pool(prefix netip.Prefix, allocBits int, gracePeriod time.Duration) (p *v6Pool) {
	return &v6Pool{
		Prefix:      prefix,
		AllocBits:   allocBits,
		GracePeriod: gracePeriod,
		byKey:       map[string]*IA{},
	}
}

// maxPlacementAttempts bounds the hash-collision retry loop in allocate.
const maxPlacementAttempts = 100

// allocate deterministically places an IA for the client identified by duid
// and iaid, per the seeded-MD5-hash algorithm: the seed starts as duid||iaid
// and, on every collision with an already-bound identifier or a reserved
// interface identifier, is extended with the attempt counter and re-hashed,
// up to maxPlacementAttempts times.
func (p *v6Pool) allocate(duid []byte, iaid [4]byte, now time.Time) (addr netip.Addr, ok bool) {
	seed := make([]byte, 0, len(duid)+4)
	seed = append(seed, duid...)
	seed = append(seed, iaid[:]...)

	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		h := md5.Sum(seed) //nolint:gosec // Placement hash, not a security boundary.

		var suffix [16]byte
		copy(suffix[:], h[:])

		candidate := overlayPrefix(p.Prefix, suffix)
		if p.AllocBits == 64 {
			candidate = clearUBit(candidate)
		}

		iid := candidate.As16()
		var last8 [8]byte
		copy(last8[:], iid[8:])

		if isReservedIID(last8) {
			seed = append(seed, byte(attempt))

			continue
		}

		key := candidate.String()
		if p.AllocBits != 64 {
			key = netip.PrefixFrom(candidate, p.AllocBits).String()
		}

		if existing, taken := p.byKey[key]; taken && !p.isReleasable(existing, now) {
			seed = append(seed, byte(attempt))

			continue
		}

		return candidate, true
	}

	return netip.Addr{}, false
}

// allocatePrefix is like allocate, but returns the delegated prefix rather
// than its base address, for IA_PD bindings.
func (p *v6Pool) allocatePrefix(duid []byte, iaid [4]byte, now time.Time) (prefix netip.Prefix, ok bool) {
	addr, ok := p.allocate(duid, iaid, now)
	if !ok {
		return netip.Prefix{}, false
	}

	return netip.PrefixFrom(addr, p.AllocBits), true
}

// isReleasable reports whether ia's binding has been expired for longer than
// GracePeriod and can be reclaimed.
func (p *v6Pool) isReleasable(ia *IA, now time.Time) (ok bool) {
	return now.After(ia.Expiry.Add(p.GracePeriod))
}

// bind commits ia into p, indexing it by address/prefix and pushing it onto
// the active expiry heap.
func (p *v6Pool) bind(ia *IA) {
	p.byKey[p.keyFor(ia)] = ia
	heap.Push(&p.active, ia)
}

// keyFor returns the index key for ia, which is its address for IA_NA/IA_TA
// or its prefix for IA_PD.
func (p *v6Pool) keyFor(ia *IA) (key string) {
	if ia.Type == IAPD {
		return ia.Prefix.String()
	}

	return ia.Addr.String()
}

// renew extends ia's Expiry to now plus ttl and re-establishes the active
// heap's invariant, since mutating Expiry directly would leave a stale
// ordering behind.  ia must already be bound via bind.
func (p *v6Pool) renew(ia *IA, now time.Time, ttl time.Duration) {
	ia.Expiry = now.Add(ttl)
	if ia.index >= 0 && ia.index < len(p.active) && p.active[ia.index] == ia {
		heap.Fix(&p.active, ia.index)
	}
}

// release moves ia from the active heap to the released (grace-period) heap,
// in response to a client's DHCPv6 Release or Decline.
func (p *v6Pool) release(ia *IA, now time.Time) {
	if ia.index >= 0 && ia.index < len(p.active) && p.active[ia.index] == ia {
		heap.Remove(&p.active, ia.index)
	}

	ia.Expiry = now
	heap.Push(&p.released, ia)
}

// reclaimExpired pops every binding from the released heap whose grace
// period has elapsed and removes it from the index, returning how many were
// reclaimed.
func (p *v6Pool) reclaimExpired(now time.Time) (reclaimed int) {
	for {
		ia, ok := p.released.peek()
		if !ok || !p.isReleasable(ia, now) {
			return reclaimed
		}

		heap.Pop(&p.released)
		delete(p.byKey, p.keyFor(ia))
		reclaimed++
	}
}

// nextExpiry returns the earliest Expiry among actively bound IAs, used by
// the dispatch loop's timer heap to schedule the next sweep.
func (p *v6Pool) nextExpiry() (t time.Time, ok bool) {
	ia, ok := p.active.peek()
	if !ok {
		return time.Time{}, false
	}

	return ia.Expiry, true
}
