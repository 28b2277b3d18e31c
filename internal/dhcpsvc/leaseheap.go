package dhcpsvc

import (
	"container/heap"
	"time"
)

// leaseHeap is a min-heap of *Lease ordered by Expiry ascending, implementing
// container/heap.Interface.  Each interface keeps one of these alongside its
// leases map, giving [DHCPServer.runTimerHeap] an O(log n) way to find
// the next lease due for expiry instead of scanning every lease, per
// spec.md §4.F's time-ordered lease list requirement.
//
// Grounded on [iaHeap] in v6pool.go, which solves the identical problem for
// DHCPv6 IAs; leaseHeap reuses its shape for v4 leases.
type leaseHeap []*Lease

// type check
var _ heap.Interface = (*leaseHeap)(nil)

func (h leaseHeap) Len() (n int) { return len(h) }

func (h leaseHeap) Less(i, j int) (less bool) { return h[i].Expiry.Before(h[j].Expiry) }

func (h leaseHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}

func (h *leaseHeap) Push(x any) {
	l := x.(*Lease)
	l.heapIndex = len(*h)
	*h = append(*h, l)
}

func (h *leaseHeap) Pop() (x any) {
	old := *h
	n := len(old)
	l := old[n-1]
	old[n-1] = nil
	l.heapIndex = -1
	*h = old[:n-1]

	return l
}

// peek returns the lease with the earliest Expiry without removing it.
func (h leaseHeap) peek() (l *Lease, ok bool) {
	if len(h) == 0 {
		return nil, false
	}

	return h[0], true
}

// has reports whether l is currently a member of h, guarding against
// operating on a lease that was already popped or that belongs to a
// different heap.
func (h leaseHeap) has(l *Lease) (ok bool) {
	return l.heapIndex >= 0 && l.heapIndex < len(h) && h[l.heapIndex] == l
}

// push inserts l into h.  l must not already be a member of h.
func (h *leaseHeap) push(l *Lease) {
	heap.Push(h, l)
}

// fix re-establishes the heap invariant for l after its Expiry changed in
// place, e.g. from [Lease.updateExpiry].  It's a no-op if l isn't a member
// of h.
func (h *leaseHeap) fix(l *Lease) {
	if h.has(l) {
		heap.Fix(h, l.heapIndex)
	}
}

// remove removes l from h.  It's a no-op if l isn't a member of h.
func (h *leaseHeap) remove(l *Lease) {
	if h.has(l) {
		heap.Remove(h, l.heapIndex)
	}
}

// nextExpiry returns the earliest Expiry among leases in h, used by
// [DHCPServer.runTimerHeap] to schedule the next sweep.
func (h leaseHeap) nextExpiry() (t time.Time, ok bool) {
	l, ok := h.peek()
	if !ok {
		return time.Time{}, false
	}

	return l.Expiry, true
}
