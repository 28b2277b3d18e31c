package dhcpsvc

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLease returns a minimal active lease expiring at exp, for exercising
// [leaseHeap] without pulling in the rest of a [netInterface].
func newTestLease(ip string, exp time.Time) (l *Lease) {
	return &Lease{
		IP:     netip.MustParseAddr(ip),
		Expiry: exp,
		State:  leaseStateActive,
	}
}

func TestLeaseHeap_Ordering(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	l1 := newTestLease("192.0.2.1", base.Add(3*time.Hour))
	l2 := newTestLease("192.0.2.2", base.Add(1*time.Hour))
	l3 := newTestLease("192.0.2.3", base.Add(2*time.Hour))

	var h leaseHeap
	h.push(l1)
	h.push(l2)
	h.push(l3)

	require.Equal(t, 3, h.Len())

	peeked, ok := h.peek()
	require.True(t, ok)
	assert.Same(t, l2, peeked)

	next, ok := h.nextExpiry()
	require.True(t, ok)
	assert.Equal(t, l2.Expiry, next)
}

func TestLeaseHeap_Fix(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	l1 := newTestLease("192.0.2.1", base.Add(3*time.Hour))
	l2 := newTestLease("192.0.2.2", base.Add(1*time.Hour))

	var h leaseHeap
	h.push(l1)
	h.push(l2)

	peeked, ok := h.peek()
	require.True(t, ok)
	assert.Same(t, l2, peeked)

	l1.Expiry = base.Add(30 * time.Minute)
	h.fix(l1)

	peeked, ok = h.peek()
	require.True(t, ok)
	assert.Same(t, l1, peeked)
}

func TestLeaseHeap_Remove(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	l1 := newTestLease("192.0.2.1", base.Add(time.Hour))
	l2 := newTestLease("192.0.2.2", base.Add(2*time.Hour))

	var h leaseHeap
	h.push(l1)
	h.push(l2)

	h.remove(l1)

	assert.Equal(t, 1, h.Len())
	assert.False(t, h.has(l1))

	peeked, ok := h.peek()
	require.True(t, ok)
	assert.Same(t, l2, peeked)
}

func TestLeaseHeap_Empty(t *testing.T) {
	var h leaseHeap

	_, ok := h.peek()
	assert.False(t, ok)

	_, ok = h.nextExpiry()
	assert.False(t, ok)

	// Removing/fixing a lease that was never pushed must be a no-op, not a
	// panic: heapIndex defaults to 0, which could otherwise alias a real
	// member at that position.
	l := newTestLease("192.0.2.1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	h.remove(l)
	h.fix(l)
}
