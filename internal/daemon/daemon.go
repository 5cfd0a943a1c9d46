// SPDX-License-Identifier: MIT

// Package daemon wires the sampler, video pipeline, uplink, and
// supervisor into a single top-level process supervision tree using
// thejerf/suture. This is a distinct layer from internal/supervisor:
// suture restarts a crashed *goroutine* with its own jittered backoff;
// the in-package health-scan Supervisor (internal/supervisor) recovers
// a *stuck-but-alive* component. Both are present and each does the
// job the other cannot.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
)

// Runnable is satisfied by every top-level component this daemon
// hosts: sampler.Sampler, video.Encoder, uplink.Uplink, and
// supervisor.Supervisor all expose Run(ctx) error already.
type Runnable interface {
	Run(ctx context.Context) error
}

// serviceAdapter adapts a Runnable to suture.Service, which wants
// Serve(ctx) error instead of Run(ctx) error.
type serviceAdapter struct {
	name string
	r    Runnable
}

func (a serviceAdapter) Serve(ctx context.Context) error {
	return a.r.Run(ctx)
}

func (a serviceAdapter) String() string {
	return a.name
}

// Daemon is the outer process supervision tree.
type Daemon struct {
	sup *suture.Supervisor
}

// Config controls suture's own restart jitter/backoff envelope.
type Config struct {
	FailureThreshold float64
	FailureBackoff   time.Duration
	Logger           *slog.Logger
}

// DefaultConfig uses the same failure threshold and backoff as suture's
// own defaults; every hosted component already does its own internal
// recovery and is independently restart-safe.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
	}
}

// New creates the daemon's outer supervisor. No components are hosted
// yet; call Add for each one.
func New(cfg Config) *Daemon {
	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureBackoff:   cfg.FailureBackoff,
	}
	if cfg.Logger != nil {
		spec.EventHook = func(ev suture.Event) {
			cfg.Logger.Warn("daemon_supervisor_event", "event", ev.String())
		}
	}
	return &Daemon{sup: suture.New("telemetryd", spec)}
}

// Add hosts a named component under the supervision tree. It must be
// called before Run.
func (d *Daemon) Add(name string, r Runnable) {
	d.sup.Add(serviceAdapter{name: name, r: r})
}

// Run blocks until ctx is cancelled, supervising every added
// component and restarting any that exit with an error.
func (d *Daemon) Run(ctx context.Context) error {
	return d.sup.Serve(ctx)
}
