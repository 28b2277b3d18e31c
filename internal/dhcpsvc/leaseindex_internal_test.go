package dhcpsvc

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newChainTestIndex returns a [leaseIndex] with its maps initialized but no
// backing [journal], for exercising the in-memory indexing logic directly.
func newChainTestIndex() (idx *leaseIndex) {
	return &leaseIndex{
		byAddr:   map[netip.Addr]*Lease{},
		byName:   map[string]*Lease{},
		byUID:    map[string]*Lease{},
		byHWAddr: map[macKey]*Lease{},
	}
}

func TestLeaseIndex_IndexChains(t *testing.T) {
	idx := newChainTestIndex()

	uid := []byte("client-1")
	older := &Lease{IP: netip.MustParseAddr("192.0.2.1"), ClientID: uid}
	newer := &Lease{IP: netip.MustParseAddr("192.0.2.2"), ClientID: uid}

	idx.indexChains(older)
	idx.indexChains(newer)

	head := idx.byUID[uidKey(uid)]
	require.Same(t, newer, head)
	require.Same(t, older, head.chainUID)
	assert.Nil(t, older.chainUID)
}

func TestLeaseIndex_UnindexChains(t *testing.T) {
	idx := newChainTestIndex()

	uid := []byte("client-1")
	l1 := &Lease{IP: netip.MustParseAddr("192.0.2.1"), ClientID: uid}
	l2 := &Lease{IP: netip.MustParseAddr("192.0.2.2"), ClientID: uid}
	l3 := &Lease{IP: netip.MustParseAddr("192.0.2.3"), ClientID: uid}

	idx.indexChains(l1)
	idx.indexChains(l2)
	idx.indexChains(l3)

	// Unlink the middle of the chain; the ends must remain linked to each
	// other.
	idx.unindexChains(l2)

	head := idx.byUID[uidKey(uid)]
	require.Same(t, l3, head)
	require.Same(t, l1, head.chainUID)
	assert.Nil(t, l2.chainUID)

	idx.unindexChains(l3)
	idx.unindexChains(l1)
	_, ok := idx.byUID[uidKey(uid)]
	assert.False(t, ok)
}

func TestLeaseIndex_HWAddrChain(t *testing.T) {
	idx := newChainTestIndex()

	hw := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	l1 := &Lease{IP: netip.MustParseAddr("192.0.2.1"), HWAddr: hw}
	l2 := &Lease{IP: netip.MustParseAddr("192.0.2.2"), HWAddr: hw}

	idx.indexChains(l1)
	idx.indexChains(l2)

	head := idx.byHWAddr[macToKey(hw)]
	require.Same(t, l2, head)
	require.Same(t, l1, head.chainHWAddr)
}

func TestLeaseIndex_FindLease(t *testing.T) {
	subnet := netip.MustParsePrefix("192.0.2.0/24")
	uid := []byte("client-1")
	hw := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

	t.Run("prefers_uid", func(t *testing.T) {
		idx := newChainTestIndex()

		byUID := &Lease{IP: netip.MustParseAddr("192.0.2.10"), ClientID: uid, State: leaseStateActive}
		byHW := &Lease{IP: netip.MustParseAddr("192.0.2.11"), HWAddr: hw, State: leaseStateActive}

		idx.indexChains(byUID)
		idx.indexChains(byHW)
		idx.byAddr[byUID.IP] = byUID
		idx.byAddr[byHW.IP] = byHW

		var released []*Lease
		found, ok := idx.findLease(uid, hw, netip.Addr{}, subnet, func(l *Lease) {
			released = append(released, l)
		})
		require.True(t, ok)
		assert.Same(t, byUID, found)
		assert.Contains(t, released, byHW)
	})

	t.Run("falls_back_to_requested_ip", func(t *testing.T) {
		idx := newChainTestIndex()

		byIP := &Lease{IP: netip.MustParseAddr("192.0.2.12"), State: leaseStateActive}
		idx.byAddr[byIP.IP] = byIP

		found, ok := idx.findLease(nil, nil, byIP.IP, subnet, func(*Lease) {})
		require.True(t, ok)
		assert.Same(t, byIP, found)
	})

	t.Run("no_match", func(t *testing.T) {
		idx := newChainTestIndex()

		_, ok := idx.findLease(uid, hw, netip.Addr{}, subnet, func(*Lease) {})
		assert.False(t, ok)
	})

	t.Run("out_of_subnet_released", func(t *testing.T) {
		idx := newChainTestIndex()

		other := &Lease{IP: netip.MustParseAddr("198.51.100.5"), ClientID: uid, State: leaseStateActive}
		idx.indexChains(other)
		idx.byAddr[other.IP] = other

		var released []*Lease
		_, ok := idx.findLease(uid, nil, netip.Addr{}, subnet, func(l *Lease) {
			released = append(released, l)
		})
		assert.False(t, ok)
		assert.Contains(t, released, other)
	})
}
