// SPDX-License-Identifier: MIT

// Package detector implements the per-kind event state machine:
// IDLE -> CANDIDATE -> OPEN -> DRAIN -> IDLE, with peak accumulation
// while OPEN and a same-kind suppression window applied at CLOSE.
package detector

import (
	"math"
	"time"
)

// Kind identifies which threshold and hysteresis rule a state machine
// instance enforces.
type Kind string

const (
	KindHardBrake  Kind = "hard-brake"
	KindBigCorner  Kind = "big-corner"
	KindHighG      Kind = "high-g"
	KindRoughRoad  Kind = "rough-road"
	KindManual     Kind = "manual"
	KindBoot       Kind = "boot"
)

// State is one FSM state.
type State int

const (
	StateIdle State = iota
	StateCandidate
	StateOpen
	StateDrain
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCandidate:
		return "candidate"
	case StateOpen:
		return "open"
	case StateDrain:
		return "drain"
	default:
		return "unknown"
	}
}

// Sample is one inertial reading fed to the detector.
type Sample struct {
	At time.Time
	Ax, Ay, Az float64
}

// Thresholds configures one kind's entry condition and hysteresis.
type Thresholds struct {
	// Signal extracts the kind-specific primary signal from a sample
	// (e.g. longitudinal accel for hard-brake, vector magnitude for high-g).
	Signal func(Sample) float64
	// Exceeds reports whether the extracted signal crosses into CANDIDATE.
	Exceeds    func(value float64) bool
	MinHold    time.Duration
	SuppressMs time.Duration
}

// DefaultThresholds returns the default thresholds for kind, or false
// if kind has no built-in default (manual/boot events are opened
// externally, not detected).
func DefaultThresholds(kind Kind) (Thresholds, bool) {
	const g = 9.80665
	switch kind {
	case KindHardBrake:
		return Thresholds{
			Signal:     func(s Sample) float64 { return s.Ax },
			Exceeds:    func(v float64) bool { return v < -0.35*g },
			MinHold:    300 * time.Millisecond,
			SuppressMs: 10 * time.Second,
		}, true
	case KindBigCorner:
		return Thresholds{
			Signal:     func(s Sample) float64 { return s.Ay },
			Exceeds:    func(v float64) bool { return abs(v) > 0.5*g },
			MinHold:    400 * time.Millisecond,
			SuppressMs: 10 * time.Second,
		}, true
	case KindHighG:
		return Thresholds{
			Signal: func(s Sample) float64 {
				return vectorMagnitude(s.Ax, s.Ay, s.Az)
			},
			Exceeds:    func(v float64) bool { return v > 1.8*g },
			MinHold:    100 * time.Millisecond,
			SuppressMs: 10 * time.Second,
		}, true
	case KindRoughRoad:
		// rough-road keys off a rolling stddev computed by the caller
		// (RollingStdDev), not a per-sample threshold; no Signal/Exceeds
		// pair is set here, so the caller supplies Exceeds and passes the
		// stddev as the signal to Machine.Feed (see sampler.New).
		return Thresholds{MinHold: 0, SuppressMs: 10 * time.Second}, true
	default:
		return Thresholds{}, false
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func vectorMagnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

// Peaks accumulates the maximum-magnitude axis values observed while OPEN.
type Peaks struct {
	X, Y, Z float64
}

// CloseEvent is emitted once per event lifecycle, at CLOSE.
type CloseEvent struct {
	Kind    Kind
	Start   time.Time
	End     time.Time
	Peaks   Peaks
	Extends bool // true when this CLOSE extended a suppressed prior event rather than opening a new row
}

// Machine drives one kind's state machine. Overlapping different kinds
// run as independent Machine instances, so different kinds may be open
// concurrently.
type Machine struct {
	kind       Kind
	thresholds Thresholds

	state          State
	candidateSince time.Time
	openSince      time.Time
	drainUntil     time.Time
	peaks          Peaks

	haveLastClose bool
	lastCloseEnd  time.Time
	// groupStart is the Start timestamp reported on the event row this
	// CLOSE belongs to: the original open time the first time a group
	// closes, carried forward across any suppressed re-opens that extend
	// it rather than start a new row.
	groupStart time.Time
}

// New creates a Machine for kind using the given thresholds.
func New(kind Kind, th Thresholds) *Machine {
	return &Machine{kind: kind, thresholds: th, state: StateIdle}
}

// State returns the current FSM state.
func (m *Machine) State() State { return m.state }

// Feed advances the state machine by one sample and the kind's primary
// signal value for this sample (pre-extracted by the caller for kinds
// like rough-road that use a rolling statistic instead of a raw sample
// field).
//
// It returns a non-nil CloseEvent exactly when a CLOSE transition fires.
func (m *Machine) Feed(s Sample, signal float64, now time.Time) *CloseEvent {
	switch m.state {
	case StateIdle:
		if m.drainActive(now) {
			return nil
		}
		if m.thresholds.Exceeds(signal) {
			m.state = StateCandidate
			m.candidateSince = now
			m.resetPeaks()
			m.accumulate(s)
		}
		return nil

	case StateCandidate:
		if !m.thresholds.Exceeds(signal) {
			m.state = StateIdle
			return nil
		}
		m.accumulate(s)
		if now.Sub(m.candidateSince) >= m.thresholds.MinHold {
			m.state = StateOpen
			m.openSince = m.candidateSince
		}
		return nil

	case StateOpen:
		m.accumulate(s)
		if m.thresholds.Exceeds(signal) {
			return nil
		}
		return m.close(now)

	case StateDrain:
		if !m.drainActive(now) {
			m.state = StateIdle
			return nil
		}
		// Re-triggering while draining is a same-kind event within the
		// suppression window: resume accumulating directly into OPEN
		// rather than requiring a fresh CANDIDATE hold. An ongoing
		// same-kind event is treated as a continuation, not reopened
		// as a brand-new one.
		if m.thresholds.Exceeds(signal) {
			m.state = StateOpen
			m.openSince = now
			m.resetPeaks()
			m.accumulate(s)
		}
		return nil
	}
	return nil
}

func (m *Machine) drainActive(now time.Time) bool {
	return m.state == StateDrain && now.Before(m.drainUntil)
}

func (m *Machine) resetPeaks() { m.peaks = Peaks{} }

func (m *Machine) accumulate(s Sample) {
	if abs(s.Ax) > abs(m.peaks.X) {
		m.peaks.X = s.Ax
	}
	if abs(s.Ay) > abs(m.peaks.Y) {
		m.peaks.Y = s.Ay
	}
	if abs(s.Az) > abs(m.peaks.Z) {
		m.peaks.Z = s.Az
	}
}

// close fires the CLOSE transition, applying the same-kind suppression
// rule: a CLOSE within SuppressMs of the prior CLOSE extends the prior
// event's end instead of emitting a new row, unconditionally, regardless
// of how many samples were accumulated during the suppression window.
func (m *Machine) close(now time.Time) *CloseEvent {
	end := now
	extends := m.haveLastClose && now.Sub(m.lastCloseEnd) < m.thresholds.SuppressMs

	start := m.openSince
	if extends {
		start = m.groupStart
	}
	m.groupStart = start

	m.lastCloseEnd = end
	m.haveLastClose = true
	m.state = StateDrain
	m.drainUntil = end.Add(m.thresholds.SuppressMs)

	ev := &CloseEvent{Kind: m.kind, Start: start, End: end, Peaks: m.peaks, Extends: extends}
	m.resetPeaks()
	return ev
}
