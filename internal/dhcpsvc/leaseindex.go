package dhcpsvc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
)

// leaseIndex is the set of leases indexed by their identifiers for quick
// lookup.
//
// TODO(e.burkov):  Use for all lease-related operations, including
// interface-specific ones.
type leaseIndex struct {
	// byAddr is a lookup shortcut for leases by their IP addresses
	// (lease_ip_addr_hash in spec.md §4.F).
	byAddr map[netip.Addr]*Lease

	// byName is a lookup shortcut for leases by their hostnames.
	//
	// TODO(e.burkov):  Use a slice of leases with the same hostname?
	byName map[string]*Lease

	// byUID is the most-recent lease for each client-id (lease_uid_hash in
	// spec.md §4.F).  Older leases that shared the same client-id are still
	// reachable by walking [Lease.chainUID].
	byUID map[string]*Lease

	// byHWAddr is the hw-address analogue of byUID (lease_hw_addr_hash).
	byHWAddr map[macKey]*Lease

	// j is the append-only journal leases are persisted to.
	j *journal
}

// newLeaseIndex returns a new index for [Lease]s, persisting to (and, if it
// exists, recovering from) the journal file at journalPath.
func newLeaseIndex(journalPath string, clock timeutil.Clock) (idx *leaseIndex, err error) {
	j, err := newJournal(journalPath, clock)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	return &leaseIndex{
		byAddr:   map[netip.Addr]*Lease{},
		byName:   map[string]*Lease{},
		byUID:    map[string]*Lease{},
		byHWAddr: map[macKey]*Lease{},
		j:        j,
	}, nil
}

// leaseByAddr returns a lease by its IP address.
func (idx *leaseIndex) leaseByAddr(addr netip.Addr) (l *Lease, ok bool) {
	l, ok = idx.byAddr[addr]

	return l, ok
}

// leaseByName returns a lease by its hostname.
func (idx *leaseIndex) leaseByName(name string) (l *Lease, ok bool) {
	// TODO(e.burkov):  Probably, use a case-insensitive comparison and store in
	// slice.  This would require a benchmark.
	l, ok = idx.byName[strings.ToLower(name)]

	return l, ok
}

// uidKey returns the byUID map key for a client-id, or "" if uid is empty
// (leases without a client-id aren't indexed by uid).
func uidKey(uid []byte) (key string) {
	if len(uid) == 0 {
		return ""
	}

	return string(uid)
}

// indexChains inserts l into idx.byUID/idx.byHWAddr, chaining any
// previously-indexed lease for the same key onto l via
// [Lease.chainUID]/[Lease.chainHWAddr] per spec.md §3's n_uid/n_hw
// invariant: the index always points at the most recent lease for a key,
// and older collisions remain reachable by walking the chain.
func (idx *leaseIndex) indexChains(l *Lease) {
	if key := uidKey(l.ClientID); key != "" {
		l.chainUID = idx.byUID[key]
		idx.byUID[key] = l
	}

	if len(l.HWAddr) > 0 {
		mk := macToKey(l.HWAddr)
		l.chainHWAddr = idx.byHWAddr[mk]
		idx.byHWAddr[mk] = l
	}
}

// unindexChains removes l from idx.byUID/idx.byHWAddr, splicing it out of
// whichever chain(s) it's in.  It's the inverse of [leaseIndex.indexChains].
func (idx *leaseIndex) unindexChains(l *Lease) {
	if key := uidKey(l.ClientID); key != "" {
		idx.byUID[key] = unlinkChain(idx.byUID[key], l, (*Lease).uidNext, (*Lease).setUIDNext)
		if idx.byUID[key] == nil {
			delete(idx.byUID, key)
		}
	}

	if len(l.HWAddr) > 0 {
		mk := macToKey(l.HWAddr)
		idx.byHWAddr[mk] = unlinkChain(idx.byHWAddr[mk], l, (*Lease).hwNext, (*Lease).setHWNext)
		if idx.byHWAddr[mk] == nil {
			delete(idx.byHWAddr, mk)
		}
	}

	l.chainUID, l.chainHWAddr = nil, nil
}

// unlinkChain removes target from the singly-linked chain headed by head,
// returning the (possibly new) head.  next reads a node's successor link and
// setNext rewrites it; they're passed in rather than hardcoded so the same
// helper serves both the uid and the hw chain.
func unlinkChain(
	head, target *Lease,
	next func(*Lease) *Lease,
	setNext func(*Lease, *Lease),
) (newHead *Lease) {
	if head == target {
		return next(target)
	}

	for cur := head; cur != nil; cur = next(cur) {
		if nxt := next(cur); nxt == target {
			setNext(cur, next(target))

			return head
		}
	}

	return head
}

// uidNext and hwNext/setHWNext/setUIDNext give [unlinkChain] a uniform way
// to walk either chain without duplicating its splice logic.
func (l *Lease) uidNext() (n *Lease) { return l.chainUID }
func (l *Lease) setUIDNext(n *Lease) { l.chainUID = n }
func (l *Lease) hwNext() (n *Lease)  { return l.chainHWAddr }
func (l *Lease) setHWNext(n *Lease)  { l.chainHWAddr = n }

// findLease performs the three-way lookup spec.md §4.F's find_lease
// describes: by client-id, by hardware address, and by requested IP,
// reconciling disagreement by preferring uid, then hw, then the IP lease.
// A lease that disagrees with the preferred one, or that belongs to a
// different subnet than subnet, is released via releaseNonPreferred so it
// becomes available to other clients; it is never returned.
func (idx *leaseIndex) findLease(
	uid []byte,
	hw net.HardwareAddr,
	reqIP netip.Addr,
	subnet netip.Prefix,
	releaseNonPreferred func(l *Lease),
) (found *Lease, ok bool) {
	var byUID, byHW, byIP *Lease

	if key := uidKey(uid); key != "" {
		byUID = idx.byUID[key]
	}

	if len(hw) > 0 {
		byHW = idx.byHWAddr[macToKey(hw)]
	}

	if reqIP.IsValid() {
		byIP = idx.byAddr[reqIP]
	}

	candidates := []*Lease{byUID, byHW, byIP}
	var preferred *Lease
	for _, c := range candidates {
		if c == nil {
			continue
		}

		if subnet.IsValid() && !subnet.Contains(c.IP) {
			releaseNonPreferred(c)

			continue
		}

		preferred = c

		break
	}

	if preferred == nil {
		return nil, false
	}

	for _, c := range candidates {
		if c == nil || c == preferred {
			continue
		}

		if preferred.State == leaseStateActive && !macOrUIDEqual(preferred, c) {
			releaseNonPreferred(c)
		}
	}

	return preferred, true
}

// macOrUIDEqual reports whether a and b share the same client-id (when both
// have one) or the same hardware address, i.e. whether b is plausibly the
// same client as a rather than a genuine conflict.
func macOrUIDEqual(a, b *Lease) (eq bool) {
	if len(a.ClientID) > 0 && len(b.ClientID) > 0 {
		return string(a.ClientID) == string(b.ClientID)
	}

	return slices.Equal(a.HWAddr, b.HWAddr)
}

// clear removes all leases from idx.  It doesn't clear interfaces' leases.
func (idx *leaseIndex) clear(ctx context.Context, logger *slog.Logger) (err error) {
	clear(idx.byAddr)
	clear(idx.byName)
	clear(idx.byUID)
	clear(idx.byHWAddr)

	idx.j.mu.Lock()
	err = idx.j.rotateLocked(ctx, logger, nil)
	idx.j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rewriting journal: %w", err)
	}

	return nil
}

// snapshot returns every lease currently indexed, for use as a
// [leaseSnapshot] passed to the journal on rotation.
func (idx *leaseIndex) snapshot() (leases []*Lease) {
	leases = make([]*Lease, 0, len(idx.byAddr))
	for l := range idx.rangeLeases {
		leases = append(leases, l)
	}

	return leases
}

// journalAppend writes l's current state to idx's journal and fsyncs before
// returning, satisfying the "journal precedes wire" property as long as the
// caller doesn't send its reply until journalAppend returns successfully.
func (idx *leaseIndex) journalAppend(ctx context.Context, logger *slog.Logger, l *Lease) (err error) {
	return idx.j.append(ctx, logger, l, idx.snapshot)
}

// journalLoad recovers leases from idx's journal file, resolving each
// recovered address against ifaces4/ifaces6.  It must only be called before
// the service has been started.
func (idx *leaseIndex) journalLoad(
	ctx context.Context,
	logger *slog.Logger,
	ifaces4 dhcpInterfacesV4,
	ifaces6 dhcpInterfacesV6,
) (err error) {
	defer func() { err = errors.Annotate(err, "loading journal: %w") }()

	idx.j.mu.Lock()
	path := idx.j.path
	idx.j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening journal for reading: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	recs, err := parseJournalRecords(logger, f)
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}

	var v4, v6 uint
	for ip, rec := range recs {
		lease, convErr := rec.toLease()
		if convErr != nil {
			logger.WarnContext(ctx, "converting lease", "ip", ip, slogutil.KeyError, convErr)

			continue
		}

		iface, ifaceErr := ifaceForAddr(ip, ifaces4, ifaces6)
		if ifaceErr != nil {
			logger.WarnContext(ctx, "searching lease iface", "ip", ip, slogutil.KeyError, ifaceErr)

			continue
		}

		addErr := idx.add(ctx, logger, lease, iface)
		if addErr != nil {
			logger.WarnContext(ctx, "adding lease", "ip", ip, slogutil.KeyError, addErr)

			continue
		}

		if ip.Is4() {
			v4++
		} else {
			v6++
		}
	}

	logger.InfoContext(ctx, "loaded leases", "v4", v4, "v6", v6, "total", len(recs))

	return nil
}

// add adds l into idx and into iface.  l must be valid, iface should be
// responsible for l's IP.  It returns an error if l duplicates at least a
// single value of another lease.
func (idx *leaseIndex) add(
	ctx context.Context,
	logger *slog.Logger,
	l *Lease,
	iface *netInterface,
) (err error) {
	loweredName := strings.ToLower(l.Hostname)

	if _, ok := idx.byAddr[l.IP]; ok {
		return fmt.Errorf("lease for ip %s already exists", l.IP)
	} else if loweredName != "" {
		if _, ok = idx.byName[loweredName]; ok {
			return fmt.Errorf("lease for hostname %s already exists", l.Hostname)
		}
	}

	err = iface.addLease(l)
	if err != nil {
		return err
	}

	idx.byAddr[l.IP] = l
	if loweredName != "" {
		idx.byName[loweredName] = l
	}

	idx.indexChains(l)

	err = idx.journalAppend(ctx, logger, l)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	return nil
}

// remove removes l from idx and from iface.  l must be valid, iface should
// contain the same lease or the lease itself.  It returns an error if the lease
// not found.
//
// TODO(e.burkov):  Consider using the iface's logger after simplifying
// relations between index and interfaces.
func (idx *leaseIndex) remove(
	ctx context.Context,
	logger *slog.Logger,
	l *Lease,
	iface *netInterface,
) (err error) {
	loweredName := strings.ToLower(l.Hostname)

	if _, ok := idx.byAddr[l.IP]; !ok {
		return fmt.Errorf("no lease for ip %s", l.IP)
	}

	err = iface.removeLease(l)
	if err != nil {
		return err
	}

	delete(idx.byAddr, l.IP)
	delete(idx.byName, loweredName)
	idx.unindexChains(l)

	err = idx.journalAppend(ctx, logger, l)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	return nil
}

// supersedeLease atomically replaces old's identity (uid, hardware address,
// hostname) with new's, per spec.md §4.F's supersede_lease: old is unlinked
// from every index it participates in, its fields are overwritten in place
// so outstanding references to old remain valid, and it is reinserted under
// its (possibly changed) keys.  old must already be indexed.
func (idx *leaseIndex) supersedeLease(
	ctx context.Context,
	logger *slog.Logger,
	old *Lease,
	new *Lease,
) (err error) {
	delete(idx.byAddr, old.IP)
	delete(idx.byName, strings.ToLower(old.Hostname))
	idx.unindexChains(old)

	*old = *new

	idx.byAddr[old.IP] = old
	if name := strings.ToLower(old.Hostname); name != "" {
		idx.byName[name] = old
	}

	idx.indexChains(old)

	err = idx.journalAppend(ctx, logger, old)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	return nil
}

// update updates l in idx and in iface.  l must be valid, iface should be
// responsible for l's IP.  It returns an error if l duplicates at least a
// single value of another lease, except for the updated lease itself.
func (idx *leaseIndex) update(
	ctx context.Context,
	logger *slog.Logger,
	l *Lease,
	iface *netInterface,
) (err error) {
	loweredName := strings.ToLower(l.Hostname)

	existing, ok := idx.byAddr[l.IP]
	if ok && !slices.Equal(l.HWAddr, existing.HWAddr) {
		return fmt.Errorf("lease for ip %s already exists", l.IP)
	}

	if loweredName != "" {
		existing, ok = idx.byName[loweredName]
		if ok && !slices.Equal(l.HWAddr, existing.HWAddr) {
			return fmt.Errorf("lease for hostname %s already exists", l.Hostname)
		}
	}

	prev, err := iface.updateLease(l)
	if err != nil {
		return err
	}

	delete(idx.byAddr, prev.IP)
	delete(idx.byName, strings.ToLower(prev.Hostname))
	idx.unindexChains(prev)

	idx.byAddr[l.IP] = l
	if loweredName != "" {
		idx.byName[loweredName] = l
	}

	idx.indexChains(l)

	err = idx.journalAppend(ctx, logger, l)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	return nil
}

// rangeLeases calls f for each lease in idx in an unspecified order until f
// returns false.
func (idx *leaseIndex) rangeLeases(f func(l *Lease) (cont bool)) {
	for _, l := range idx.byAddr {
		if !f(l) {
			break
		}
	}
}

// len returns the number of leases in idx.
func (idx *leaseIndex) len() (l uint) {
	return uint(len(idx.byAddr))
}
