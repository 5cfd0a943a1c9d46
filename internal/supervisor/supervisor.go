// SPDX-License-Identifier: MIT

// Package supervisor implements the periodic health scan: a fixed 30 s
// checklist across the other components, bounded recovery per failing
// check, and driver-audible feedback at the end of each scan. It also
// runs the separate 5 s thermal loop.
//
// This is a different kind of supervision than a restart-a-crashed-
// goroutine tree (that job belongs to internal/daemon's suture tree
// one layer up): this package recovers a *stuck-but-alive* component,
// which is a liveness-and-progress problem, not a process-death
// problem. Per-check bounded retry reuses stream.Backoff
// (internal/stream/backoff.go), the same exponential-backoff type the
// video encoder uses for its own restart loop.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telemetryd/telemetryd/internal/audio"
	"github.com/telemetryd/telemetryd/internal/sharedstate"
	"github.com/telemetryd/telemetryd/internal/stream"
)

// CheckFunc reports whether a component is currently healthy.
type CheckFunc func(ctx context.Context) (ok bool, err error)

// RecoverFunc attempts to bring a component back to healthy. When the
// check's MaxAttempts is positive it is called repeatedly, with backoff
// between attempts, until it succeeds or that retry budget is
// exhausted; with MaxAttempts zero it is called once per failing scan.
type RecoverFunc func(ctx context.Context) error

// Check is one entry in the fixed health-scan checklist.
type Check struct {
	// Name identifies the check in logs and announcements.
	Name string
	// Run reports current health.
	Run CheckFunc
	// Recover is nil for checks that are diagnostic-only (e.g. GPS
	// liveness, which is degraded, not fatal, with no recovery action).
	Recover RecoverFunc
	// MaxAttempts bounds Recover's retry loop before the check is
	// considered exhausted. Zero means one Recover attempt per failing
	// scan, without backoff, and the check is never exhausted.
	MaxAttempts int
	// RebootOnExhaustion requests a process reboot when Recover never
	// succeeds within MaxAttempts. Only the sampler recovery check may
	// request a controlled process reboot in production wiring.
	RebootOnExhaustion bool

	backoff *stream.Backoff
}

// ThermalCheck samples CPU temperature for the separate 5 s thermal
// loop.
type ThermalCheck func(ctx context.Context) (celsius float64, err error)

// Config controls scan cadence and thresholds.
type Config struct {
	ScanPeriod       time.Duration
	ThermalPeriod    time.Duration
	ThermalWarnC     float64
	ThermalThrottleC float64
	RequestReboot    func(reason string)
	Announcer        audio.Announcer
	Shared           *sharedstate.Store
	Logger           *slog.Logger
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ScanPeriod:       30 * time.Second,
		ThermalPeriod:    5 * time.Second,
		ThermalWarnC:     70,
		ThermalThrottleC: 80,
	}
}

// Supervisor runs the health scan and thermal loop.
type Supervisor struct {
	cfg     Config
	thermal ThermalCheck

	checks []*Check

	// persistentIssues counts, per check name, how many consecutive
	// scans it has been unhealthy; an alarm only fires once issues
	// persist across two scans, not on the first occurrence.
	persistentIssues map[string]int

	thermalWarned    bool
	thermalThrottled bool
}

// New creates a Supervisor. thermal may be nil to disable the thermal
// loop (e.g. in environments with no CPU temperature sensor).
func New(cfg Config, thermal ThermalCheck) *Supervisor {
	if cfg.ScanPeriod <= 0 {
		cfg.ScanPeriod = 30 * time.Second
	}
	if cfg.ThermalPeriod <= 0 {
		cfg.ThermalPeriod = 5 * time.Second
	}
	if cfg.Announcer == nil {
		cfg.Announcer = audio.NullAnnouncer{}
	}
	return &Supervisor{
		cfg:              cfg,
		thermal:          thermal,
		persistentIssues: make(map[string]int),
	}
}

// Register adds a check to the fixed checklist. Registration is only
// safe before Run starts; the checklist is fixed for the life of the
// scan loop.
func (s *Supervisor) Register(c Check) {
	if c.MaxAttempts > 0 {
		c.backoff = stream.NewBackoff(time.Second, 30*time.Second, c.MaxAttempts)
	}
	cc := c
	s.checks = append(s.checks, &cc)
}

// Run blocks, running the health scan and (if configured) the thermal
// loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scanLoop(ctx)
	}()

	if s.thermal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.thermalLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (s *Supervisor) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan runs one pass of the checklist, accumulating issues and
// recovered components for the end-of-scan announcement.
func (s *Supervisor) scan(ctx context.Context) {
	var issues, recovered []string

	for _, c := range s.checks {
		ok, err := c.Run(ctx)
		if ok {
			delete(s.persistentIssues, c.Name)
			continue
		}

		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("health_check_failed", "check", c.Name, "error", err)
		}
		issues = append(issues, c.Name)
		s.persistentIssues[c.Name]++

		if c.Recover == nil {
			continue
		}
		if s.recoverCheck(ctx, c) {
			recovered = append(recovered, c.Name)
			delete(s.persistentIssues, c.Name)
		}
	}

	if len(recovered) > 0 {
		s.cfg.Announcer.Announce(audio.Announcement{
			Kind:    audio.KindRecovered,
			Message: "recovered: " + joinNames(recovered),
		})
	}

	persistent := false
	for _, name := range issues {
		if s.persistentIssues[name] >= 2 {
			persistent = true
			break
		}
	}
	if persistent {
		s.cfg.Announcer.Announce(audio.Announcement{
			Kind:    audio.KindAlarm,
			Message: "persistent issues: " + joinNames(issues),
		})
	}
}

// recoverCheck drives one check's bounded retry loop. It returns true
// if recovery succeeded.
func (s *Supervisor) recoverCheck(ctx context.Context, c *Check) bool {
	if c.backoff == nil {
		err := c.Recover(ctx)
		return err == nil
	}

	c.backoff.Reset()
	for {
		if err := c.Recover(ctx); err == nil {
			c.backoff.Reset()
			return true
		}
		c.backoff.RecordFailure()
		if c.backoff.ShouldStop() {
			if c.RebootOnExhaustion && s.cfg.RequestReboot != nil {
				s.cfg.RequestReboot("health check " + c.Name + " exhausted recovery attempts")
			}
			return false
		}
		if err := c.backoff.WaitContext(ctx); err != nil {
			return false
		}
	}
}

func (s *Supervisor) thermalLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ThermalPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.thermalTick(ctx)
		}
	}
}

func (s *Supervisor) thermalTick(ctx context.Context) {
	tempC, err := s.thermal(ctx)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("thermal_read_failed", "error", err)
		}
		return
	}

	if s.cfg.Shared != nil {
		s.cfg.Shared.PublishFunc(func(snap *sharedstate.Snapshot) {
			snap.CPUTempC = tempC
		})
	}

	// Edge-triggered: only announce on the crossing, not on every scan
	// spent above threshold.
	if tempC >= s.cfg.ThermalThrottleC {
		if !s.thermalThrottled {
			s.thermalThrottled = true
			s.cfg.Announcer.Announce(audio.Announcement{Kind: audio.KindThermalThrottle})
		}
	} else {
		s.thermalThrottled = false
	}

	if tempC >= s.cfg.ThermalWarnC {
		if !s.thermalWarned {
			s.thermalWarned = true
			s.cfg.Announcer.Announce(audio.Announcement{Kind: audio.KindThermalWarn})
		}
	} else {
		s.thermalWarned = false
	}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
