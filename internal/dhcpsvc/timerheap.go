package dhcpsvc

import (
	"context"
	"log/slog"
	"time"
)

// minSweepInterval bounds how soon the timer heap re-wakes after a sweep,
// keeping a pathological zero-duration deadline from turning into a busy
// loop.
const minSweepInterval = 100 * time.Millisecond

// maxSweepInterval bounds how long the timer heap sleeps when nothing has a
// known deadline, so that a lease or IA added after the last sweep is still
// picked up in bounded time.
const maxSweepInterval = time.Minute

// runTimerHeap drives the single timer-based scheduler required by spec.md
// §5: instead of a fixed-period tick per subsystem, it wakes exactly when
// the earliest known deadline across every v4 lease heap and v6 IA heap
// elapses, sweeping expired bindings and then rescheduling itself for
// whatever is now earliest.
//
// Grounded on the teacher's routeradv.go, whose Init starts a goroutine that
// loops until a stop signal; runTimerHeap generalizes that shape from a
// fixed time.Sleep period to a heap-driven, dynamically rescheduled
// time.Timer, since the deadlines here vary lease-to-lease instead of being
// constant.
func (srv *DHCPServer) runTimerHeap(ctx context.Context) {
	logger := srv.logger.With("component", "timerheap")
	logger.DebugContext(ctx, "starting")
	defer logger.DebugContext(ctx, "stopped")

	timer := time.NewTimer(srv.sweepExpired(ctx, logger))
	defer timer.Stop()

	for {
		select {
		case <-srv.stopTimerHeap:
			return
		case <-timer.C:
			timer.Reset(srv.sweepExpired(ctx, logger))
		}
	}
}

// sweepExpired expires every v4 lease past its Expiry and reclaims every
// released v6 IA binding past its grace period across all interfaces, then
// returns how long to sleep until the next one is due.
func (srv *DHCPServer) sweepExpired(ctx context.Context, logger *slog.Logger) (wait time.Duration) {
	now := time.Now()

	srv.leasesMu.Lock()
	next, ok := srv.sweepLeases4(ctx, logger, now)
	srv.leasesMu.Unlock()

	for _, iface := range srv.interfaces6 {
		iface.sweepIA(now)

		for _, p := range []*v6Pool{iface.naPool, iface.pdPool} {
			if p == nil {
				continue
			}

			if t, iok := p.nextExpiry(); iok && (!ok || t.Before(next)) {
				next, ok = t, true
			}
		}
	}

	if !ok {
		return maxSweepInterval
	}

	wait = time.Until(next)
	if wait < minSweepInterval {
		wait = minSweepInterval
	} else if wait > maxSweepInterval {
		wait = maxSweepInterval
	}

	return wait
}

// sweepLeases4 transitions every v4 lease whose Expiry has passed into the
// EXPIRED state, running its on-expiry hooks and journaling the transition,
// and reports the earliest remaining deadline across every interface.
// srv.leasesMu must be held for writing.
func (srv *DHCPServer) sweepLeases4(
	ctx context.Context,
	logger *slog.Logger,
	now time.Time,
) (next time.Time, ok bool) {
	for _, iface := range srv.interfaces4 {
		common := iface.common

		for {
			l, found := common.expiry.peek()
			if !found || !l.Expiry.Before(now) {
				break
			}

			if l.State == leaseStateExpired || l.State == leaseStateReleased {
				// Already reclaimed by an allocation in the meantime; drop
				// it from the heap so it doesn't spin the sweep forever.
				common.expiry.remove(l)

				continue
			}

			l.expire(now)
			common.expiry.fix(l)

			if _, err := runLeaseHooks(l.OnExpiry, nil, l); err != nil {
				logger.ErrorContext(ctx, "running expiry hooks", "ip", l.IP, "error", err)
			}

			if err := common.index.journalAppend(ctx, logger, l); err != nil {
				logger.ErrorContext(ctx, "journaling expired lease", "ip", l.IP, "error", err)
			}
		}

		if t, iok := common.expiry.nextExpiry(); iok && (!ok || t.Before(next)) {
			next, ok = t, true
		}
	}

	return next, ok
}

// sweepIA reclaims every released or declined IA binding past its grace
// period on iface's pools, via [v6Pool.reclaimExpired].  Bindings whose
// Expiry passed without a Release or Decline are not reclaimed.
func (iface *dhcpInterfaceV6) sweepIA(now time.Time) {
	for _, p := range []*v6Pool{iface.naPool, iface.pdPool} {
		if p == nil {
			continue
		}

		p.reclaimExpired(now)
	}
}
