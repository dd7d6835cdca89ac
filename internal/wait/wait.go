// Package wait implements a bounded-time readiness poller.
//
// A Poller repeatedly invokes a probe at a fixed interval until the probe
// reports the target is ready, reports a fatal error, or the time budget is
// spent. It is used both for instance state transitions and for remote shell
// availability.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

var (
	ErrTimeout   = fmt.Errorf("timed out waiting for readiness")
	ErrCancelled = fmt.Errorf("readiness wait cancelled")
)

// DefaultInterval is used when a Poller's Interval is not positive.
const DefaultInterval = 5 * time.Second

// Probe reports whether the polled target is ready.
//
//   - (true, nil) means ready, polling stops successfully.
//   - (false, nil) means not ready yet, polling continues.
//   - Any non-nil error is fatal and is returned immediately, unretried.
type Probe func(ctx context.Context) (bool, error)

// Poller drives a Probe at a fixed interval within a time budget.
type Poller struct {
	// Interval is the delay between consecutive probes. The first probe is
	// always issued immediately.
	Interval time.Duration

	// Timeout bounds the cumulative time spent polling, measured from the
	// first probe. A zero Timeout leaves the wait bounded only by the
	// 'context.Context'.
	Timeout time.Duration

	// Clock measures the elapsed time checked against Timeout. Nil means
	// 'clock.RealClock', whose 'Since' uses the monotonic clock reading.
	Clock clock.PassiveClock
}

func (p Poller) clock() clock.PassiveClock {
	if p.Clock == nil {
		return clock.RealClock{}
	}
	return p.Clock
}

// UntilReady invokes 'probe' until it reports ready, fails or the Timeout is
// exceeded.
//
// A timeout is only reported once a probe has observed the elapsed time to be
// strictly greater than Timeout; it is never reported early. Cancellation of
// 'ctx' is observed between probes.
func (p Poller) UntilReady(ctx context.Context, probe Probe) error {
	log := clog.FromContext(ctx)
	clk := p.clock()
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	start := clk.Now()
	attempt := 0
	var stopErr error
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		attempt++
		ready, err := probe(ctx)
		if err != nil {
			stopErr = err // Fatal, no annotation required.
			return false, err
		}
		elapsed := clk.Since(start)
		if ready {
			log.Debug("probe reported ready", "attempt", attempt, "elapsed", elapsed)
			return true, nil
		}
		if p.Timeout > 0 && elapsed > p.Timeout {
			stopErr = fmt.Errorf("%w: %d attempts over %s (limit %s)", ErrTimeout, attempt, elapsed, p.Timeout)
			return false, stopErr
		}
		log.Debug("not ready yet, waiting", "attempt", attempt, "elapsed", elapsed, "interval", interval)
		return false, nil
	})
	switch {
	case err == nil:
		return nil
	case stopErr != nil:
		return stopErr
	case ctx.Err() != nil:
		return fmt.Errorf("%w after %d attempts: %w", ErrCancelled, attempt, ctx.Err())
	default:
		return err
	}
}
