// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/telemetryd/telemetryd/internal/diskspace"
)

// AgeFunc reports how long ago a component last made progress, and
// whether it has ever produced anything (a component that has never
// run is not yet "stale", just new).
type AgeFunc func() (age time.Duration, known bool)

// NewLivenessCheck builds a health-scan Check that fails when a
// component's last-progress age exceeds maxAge. Used for both the
// sampler and low-rate collector staleness checks.
func NewLivenessCheck(name string, age AgeFunc, maxAge time.Duration, recover RecoverFunc, maxAttempts int, rebootOnExhaustion bool) Check {
	return Check{
		Name: name,
		Run: func(context.Context) (bool, error) {
			a, known := age()
			if !known {
				return true, nil
			}
			if a > maxAge {
				return false, fmt.Errorf("%s: last progress %s ago, exceeds %s", name, a, maxAge)
			}
			return true, nil
		},
		Recover:            recover,
		MaxAttempts:        maxAttempts,
		RebootOnExhaustion: rebootOnExhaustion,
	}
}

// NewDegradedLivenessCheck is NewLivenessCheck with no recovery action:
// it only ever contributes to issues[]/alarms. Used for checks that are
// degraded, not fatal, such as a stalled GPS feed.
func NewDegradedLivenessCheck(name string, age AgeFunc, maxAge time.Duration) Check {
	c := NewLivenessCheck(name, age, maxAge, nil, 0, false)
	return c
}

// StallFunc reports a non-nil description when the video pipeline has
// stopped producing segments (see video.Encoder.CheckStall).
type StallFunc func(now time.Time) (stalled bool, detail string)

// NewStallCheck builds the video ring/encoder check: the ring buffer
// is running and the encoder's own stall-check returns no stall.
func NewStallCheck(name string, stall StallFunc, recover RecoverFunc, maxAttempts int) Check {
	return Check{
		Name: name,
		Run: func(context.Context) (bool, error) {
			stalled, detail := stall(time.Now())
			if stalled {
				return false, fmt.Errorf("%s: %s", name, detail)
			}
			return true, nil
		},
		Recover:     recover,
		MaxAttempts: maxAttempts,
	}
}

// NewDiskCheck builds the free-disk-space check. The check fails once
// usage reaches warnPct, and the error text names the level reached
// (warn, or critical at criticalPct). There is no recovery action, since
// retention/deletion is out of scope, only the alert.
func NewDiskCheck(name, path string, warnPct, criticalPct float64) Check {
	return Check{
		Name: name,
		Run: func(context.Context) (bool, error) {
			usage, err := diskspace.Stat(path)
			if err != nil {
				return false, err
			}
			if usage.UsedPct >= criticalPct {
				return false, fmt.Errorf("%s: disk %.1f%% used (critical >= %.1f%%)", name, usage.UsedPct, criticalPct)
			}
			if usage.UsedPct >= warnPct {
				return false, fmt.Errorf("%s: disk %.1f%% used (warn >= %.1f%%)", name, usage.UsedPct, warnPct)
			}
			return true, nil
		},
	}
}

// GuardedRecoverFunc wraps a RecoverFunc so it only runs once a guard
// condition has ever been true: recovery is only attempted once the
// subsystem has been successfully initialized at least once.
func GuardedRecoverFunc(everInitialized func() bool, recover RecoverFunc) RecoverFunc {
	return func(ctx context.Context) error {
		if !everInitialized() {
			return nil
		}
		return recover(ctx)
	}
}
