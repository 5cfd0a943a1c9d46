// SPDX-License-Identifier: MIT

package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/telemetryd/telemetryd/internal/audio"
	"github.com/telemetryd/telemetryd/internal/detector"
	"github.com/telemetryd/telemetryd/internal/i2cbus"
	"github.com/telemetryd/telemetryd/internal/sharedstate"
)

// Reader is the external collaborator (concrete sensor drivers are
// out of scope) that performs one blocking IMU read.
type Reader interface {
	Read(ctx context.Context) (detector.Sample, error)
}

// EventSink receives every CLOSE transition. The store writer and the
// video ring buffer's save_event both subscribe to it.
type EventSink interface {
	HandleEvent(ctx context.Context, ev detector.CloseEvent)
}

// Config configures the sampling loop.
type Config struct {
	Period                     time.Duration
	ConsecutiveFailureThreshold int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Period: 10 * time.Millisecond, ConsecutiveFailureThreshold: 5}
}

// Sampler drives the sampling loop.
type Sampler struct {
	cfg       Config
	reader    Reader
	recover   i2cbus.RecoveryFunc
	ring      *Ring
	shared    *sharedstate.Store
	announcer audio.Announcer
	sink      EventSink
	logger    *slog.Logger

	// requestReboot is called exactly when the I2C escalation table is
	// exhausted. Only the sampler recovery path may request a
	// controlled process reboot.
	requestReboot func(reason string)

	escalator           *i2cbus.Escalator
	machines            map[detector.Kind]*detector.Machine
	roughRoadStdDev     *detector.RollingStdDev
	consecutiveFailures int
}

// New creates a Sampler. recover performs one bus-recovery attempt
// (see i2cbus.RecoveryFunc); requestReboot is invoked when recovery
// is declared unrecoverable.
func New(cfg Config, reader Reader, recover i2cbus.RecoveryFunc, shared *sharedstate.Store, announcer audio.Announcer, sink EventSink, requestReboot func(reason string), logger *slog.Logger) *Sampler {
	if announcer == nil {
		announcer = audio.NullAnnouncer{}
	}
	machines := make(map[detector.Kind]*detector.Machine)
	for _, kind := range []detector.Kind{detector.KindHardBrake, detector.KindBigCorner, detector.KindHighG} {
		th, _ := detector.DefaultThresholds(kind)
		machines[kind] = detector.New(kind, th)
	}
	// rough-road keys off a rolling stddev (computed by the sampler, fed
	// in as the pre-extracted "signal") rather than a raw sample field;
	// MinHold is 0 since the statistic is already windowed over 1s.
	const roughRoadStdDevThreshold = 0.25 * 9.80665
	roughTh, _ := detector.DefaultThresholds(detector.KindRoughRoad)
	roughTh.Exceeds = func(v float64) bool { return v > roughRoadStdDevThreshold }
	roughTh.MinHold = 0
	machines[detector.KindRoughRoad] = detector.New(detector.KindRoughRoad, roughTh)

	// Pre-event ring sized to the detector's widest pre-event window; 1s
	// of samples at the default 10ms period comfortably covers every
	// kind's MinHold plus margin.
	ringCapacity := int(time.Second / cfg.Period)

	return &Sampler{
		cfg:             cfg,
		reader:          reader,
		recover:         recover,
		ring:            NewRing(ringCapacity),
		shared:          shared,
		announcer:       announcer,
		sink:            sink,
		logger:          logger,
		requestReboot:   requestReboot,
		escalator:       i2cbus.NewEscalator(logger),
		machines:        machines,
		roughRoadStdDev: detector.NewRollingStdDev(time.Second),
	}
}

// Ring exposes the inertial ring buffer for diagnostics/video stitching
// context (e.g. exposing current speed context to the video saver).
func (s *Sampler) Ring() *Ring { return s.ring }

// Run drives the sampling loop until ctx is cancelled. Startup device
// initialization is wrapped in the identical escalation loop used for
// in-flight failures, so a bus that is already locked at boot does not
// produce a process-restart loop.
func (s *Sampler) Run(ctx context.Context) error {
	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.escalator.Reset()
			return nil
		default:
		}

		sample, err := s.reader.Read(ctx)
		if err != nil {
			s.onFailure(ctx, err)
		} else {
			s.onSuccess(sample)
		}

		next = next.Add(s.cfg.Period)
		now := time.Now()
		if now.After(next) {
			// Overshoot: the read (or recovery) took longer than one
			// period. Log and continue rather than accumulate a backlog
			// of missed ticks.
			if s.logger != nil {
				s.logger.Warn("sampler_jitter", "overshoot", now.Sub(next))
			}
			next = now
			continue
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.escalator.Reset()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Sampler) onSuccess(sample detector.Sample) {
	s.consecutiveFailures = 0

	s.ring.Push(sample)
	s.shared.PublishFunc(func(snap *sharedstate.Snapshot) {
		snap.InertialMagnitude = vectorMagnitude(sample)
	})
	s.feedDetectors(sample)
}

func (s *Sampler) onFailure(ctx context.Context, readErr error) {
	s.consecutiveFailures++
	if s.logger != nil {
		s.logger.Warn("i2c_read_failed", "consecutive_failures", s.consecutiveFailures, "error", readErr)
	}
	if s.consecutiveFailures < s.cfg.ConsecutiveFailureThreshold {
		return
	}

	err := s.escalator.Recover(ctx, s.recover)
	if err == nil {
		s.consecutiveFailures = 0
		s.announcer.Announce(audio.Announcement{Kind: audio.KindBusRecovered, Message: "i2c bus recovered"})
		return
	}
	if err == i2cbus.ErrUnrecoverable {
		if s.requestReboot != nil {
			s.requestReboot(fmt.Sprintf("i2c bus unrecoverable after %d resets", s.escalator.ResetCount()))
		}
		return
	}
	// Recovery attempt failed but the table isn't exhausted yet; stay at
	// threshold so the next failed read re-triggers Recover immediately
	// rather than waiting for another full failure run-up.
	s.consecutiveFailures = s.cfg.ConsecutiveFailureThreshold
}

func (s *Sampler) feedDetectors(sample detector.Sample) {
	now := sample.At
	if now.IsZero() {
		now = time.Now()
	}

	if ev := s.machines[detector.KindHardBrake].Feed(sample, sample.Ax, now); ev != nil {
		s.emit(*ev)
	}
	if ev := s.machines[detector.KindBigCorner].Feed(sample, sample.Ay, now); ev != nil {
		s.emit(*ev)
	}
	if ev := s.machines[detector.KindHighG].Feed(sample, vectorMagnitude(sample), now); ev != nil {
		s.emit(*ev)
	}

	s.roughRoadStdDev.Add(now, sample.Az)
	stddev := s.roughRoadStdDev.StdDev()
	if ev := s.machines[detector.KindRoughRoad].Feed(sample, stddev, now); ev != nil {
		s.emit(*ev)
	}
}

func (s *Sampler) emit(ev detector.CloseEvent) {
	if s.sink == nil {
		return
	}
	s.sink.HandleEvent(context.Background(), ev)
}

func vectorMagnitude(s detector.Sample) float64 {
	return math.Sqrt(s.Ax*s.Ax + s.Ay*s.Ay + s.Az*s.Az)
}
