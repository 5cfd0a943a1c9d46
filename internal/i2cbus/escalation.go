// SPDX-License-Identifier: MIT

package i2cbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// escalationDelays is the fixed recovery-attempt delay table. Unlike
// stream.Backoff's exponential doubling (which fits the video encoder's
// open-ended restart loop), bus-lockup recovery follows an explicit,
// bounded three-step schedule ending in a reboot request: a fixed
// table, not a multiplier.
var escalationDelays = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
}

// RecoveryFunc performs one recovery attempt (e.g. a bus reopen via
// Recover) and reports whether the bus answered afterward.
type RecoveryFunc func(ctx context.Context) error

// Escalator drives the bounded I2C recovery escalation: one RecoveryFunc
// attempt per step, retried up to maxResets times before giving up. It is also used, unmodified, to guard startup device
// initialization so a bus that is already locked at boot does not
// produce a tight process-restart loop.
type Escalator struct {
	maxResets  int
	resetCount int
	sleep      func(time.Duration)
	logger     *slog.Logger
}

// NewEscalator creates an Escalator with the default max-resets of 3:
// attempts 1-3 recover or the bus is declared unrecoverable.
func NewEscalator(logger *slog.Logger) *Escalator {
	return &Escalator{maxResets: len(escalationDelays), sleep: time.Sleep, logger: logger}
}

// ResetCount returns the number of recovery attempts made since the last
// successful recovery or explicit Reset.
func (e *Escalator) ResetCount() int {
	return e.resetCount
}

// SetSleepFunc overrides the delay implementation, for tests that need
// to exercise the escalation table without actually waiting.
func (e *Escalator) SetSleepFunc(fn func(time.Duration)) {
	e.sleep = fn
}

// Reset clears the attempt counter. Called on successful recovery or on
// an explicit stop: a clean restart begins a fresh escalation budget.
func (e *Escalator) Reset() {
	e.resetCount = 0
}

// ErrUnrecoverable is returned when the escalation table is exhausted;
// the caller must request a supervised process reboot.
var ErrUnrecoverable = fmt.Errorf("i2cbus: bus unrecoverable, reset_count exceeds max_resets")

// Recover runs one recovery attempt. It must be called once per
// detected lockup (consecutive_failures reaching the configured
// threshold); the caller is responsible for that threshold check.
//
// It logs a fixed sequence: i2c_bus_lockup_detected, then either
// i2c_bus_recovery_successful (and Reset()) or, on exhaustion,
// i2c_max_resets_exceeded with ErrUnrecoverable.
func (e *Escalator) Recover(ctx context.Context, fn RecoveryFunc) error {
	if e.resetCount >= e.maxResets {
		if e.logger != nil {
			e.logger.Error("i2c_max_resets_exceeded", "reset_count", e.resetCount)
		}
		return ErrUnrecoverable
	}

	attempt := e.resetCount + 1
	delay := escalationDelays[e.resetCount]
	if e.logger != nil {
		e.logger.Warn("i2c_bus_lockup_detected", "reset_attempt", attempt, "delay", delay)
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.sleep(delay)
	}

	e.resetCount = attempt

	if err := fn(ctx); err != nil {
		if e.resetCount >= e.maxResets {
			if e.logger != nil {
				e.logger.Error("i2c_max_resets_exceeded", "reset_count", e.resetCount)
			}
			return ErrUnrecoverable
		}
		return fmt.Errorf("i2cbus: recovery attempt %d failed: %w", attempt, err)
	}

	if e.logger != nil {
		e.logger.Info("i2c_bus_recovery_successful", "reset_attempt", attempt)
	}
	e.Reset()
	return nil
}
