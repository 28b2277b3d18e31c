package dhcpsvc

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/go-ping/ping"
)

// addressChecker checks addresses for availability.
type addressChecker interface {
	// IsAvailable returns true if the address is available in the current
	// subnet.  Any error is a network error.
	IsAvailable(ip netip.Addr) (ok bool, err error)
}

// noopAddressChecker is an implementation of [addressChecker] that doesn't
// perform any checks.  It's used when the ICMP conflict check has been
// disabled by configuration.
type noopAddressChecker struct{}

// IsAvailable implements the [addressChecker] interface for noopAddressChecker.
func (noopAddressChecker) IsAvailable(_ netip.Addr) (ok bool, err error) {
	return true, nil
}

// icmpAddressChecker probes a candidate address with a single ICMP echo
// request before it's offered to a client, as recommended by RFC 2131
// Section 2.2: "the server SHOULD probe the reused address before allocating
// the address, e.g., with an ICMP echo request".  A reply means the address
// is already in use by another host.
type icmpAddressChecker struct {
	logger  *slog.Logger
	timeout time.Duration
}

// newICMPAddressChecker returns an addressChecker that sends an ICMP echo and
// waits up to timeout for a reply.  If timeout is zero or negative, the check
// is skipped and every address is reported as available.
func newICMPAddressChecker(logger *slog.Logger, timeout time.Duration) (c addressChecker) {
	if timeout <= 0 {
		return noopAddressChecker{}
	}

	return &icmpAddressChecker{
		logger:  logger,
		timeout: timeout,
	}
}

// IsAvailable implements the [addressChecker] interface for
// *icmpAddressChecker.
func (c *icmpAddressChecker) IsAvailable(ip netip.Addr) (ok bool, err error) {
	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		return false, fmt.Errorf("creating pinger for %s: %w", ip, err)
	}

	pinger.SetPrivileged(true)
	pinger.Timeout = c.timeout
	pinger.Count = 1

	var replied bool
	pinger.OnRecv = func(_ *ping.Packet) {
		replied = true
	}

	err = pinger.Run()
	if err != nil {
		return false, fmt.Errorf("pinging %s: %w", ip, err)
	}

	if replied {
		c.logger.Debug("address already in use", "ip", ip)

		return false, nil
	}

	return true, nil
}
