package dhcpsvc

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestJournalClock returns a [timeutil.Clock] fixed at now, for
// deterministic journal tests.
func newTestJournalClock(now time.Time) (c *faketime.Clock) {
	return &faketime.Clock{
		OnNow: func() (t time.Time) { return now },
	}
}

func TestJournal_AppendAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leases.journal")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	j, err := newJournal(path, newTestJournalClock(now))
	require.NoError(t, err)
	defer func() { _ = j.close() }()

	l := &Lease{
		IP:       netip.MustParseAddr("192.0.2.10"),
		Starts:   now,
		Expiry:   now.Add(time.Hour),
		HWAddr:   net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		Hostname: "host-a",
		State:    leaseStateActive,
	}

	snapshot := func() []*Lease { return []*Lease{l} }

	ctx := testutil.ContextWithTimeout(t, time.Second)
	logger := slogutil.NewDiscardLogger()

	require.NoError(t, j.append(ctx, logger, l, snapshot))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	recs, err := parseJournalRecords(logger, f)
	require.NoError(t, err)
	require.Contains(t, recs, l.IP)

	got, err := recs[l.IP].toLease()
	require.NoError(t, err)

	assert.Equal(t, l.IP, got.IP)
	assert.Equal(t, l.Hostname, got.Hostname)
	assert.True(t, l.HWAddr.String() == got.HWAddr.String())
	assert.Equal(t, leaseStateActive, got.State)
}

func TestJournal_RotateWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leases.journal")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	j, err := newJournal(path, newTestJournalClock(now))
	require.NoError(t, err)
	defer func() { _ = j.close() }()

	l := &Lease{
		IP:     netip.MustParseAddr("192.0.2.20"),
		Starts: now,
		Expiry: now.Add(time.Hour),
		State:  leaseStateActive,
	}

	ctx := testutil.ContextWithTimeout(t, time.Second)
	logger := slogutil.NewDiscardLogger()

	require.NoError(t, j.rotateLocked(ctx, logger, []*Lease{l}))

	// The pre-rotation backup must exist alongside the freshly committed
	// journal.
	assert.FileExists(t, path+"~")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	recs, err := parseJournalRecords(logger, f)
	require.NoError(t, err)
	require.Contains(t, recs, l.IP)
}

func TestJournal_RecoverFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leases.journal")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l := &Lease{
		IP:     netip.MustParseAddr("192.0.2.30"),
		Starts: now,
		Expiry: now.Add(time.Hour),
		State:  leaseStateActive,
	}

	// Simulate a crash mid-rotation: the snapshot was written, but the text
	// journal never got its rewritten content.
	j, err := newJournal(path, newTestJournalClock(now))
	require.NoError(t, err)

	require.NoError(t, writeSnapshot(j.snapDB, []*Lease{l}))
	require.NoError(t, j.close())
	require.NoError(t, os.Truncate(path, 0))

	reopened, err := newJournal(path, newTestJournalClock(now))
	require.NoError(t, err)
	defer func() { _ = reopened.close() }()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	logger := slogutil.NewDiscardLogger()
	recs, err := parseJournalRecords(logger, f)
	require.NoError(t, err)
	assert.Contains(t, recs, l.IP)
}
