// SPDX-License-Identifier: MIT

// Package lowrate runs the slow-cadence sensor classes — environment
// (CPU temperature), power (battery state), and position (GPS) —
// independently of the high-rate IMU sampler and writes each reading
// straight to durable storage.
//
// Each source keeps its own ticker, the same per-component ticker-loop
// shape internal/supervisor uses for its scan and thermal loops, rather
// than one shared ticker gating every class at the slowest period.
package lowrate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telemetryd/telemetryd/internal/sharedstate"
	"github.com/telemetryd/telemetryd/internal/store"
)

// Source produces one low-rate reading. Collect returns false in its
// second value when no reading is currently available (e.g. the GPS
// has not yet acquired a fix), in which case the collector writes
// nothing for that tick rather than persisting a zero-valued row.
type Source interface {
	Name() string
	Period() time.Duration
	Collect(ctx context.Context) (values map[string]float64, ok bool, err error)
}

// Inserter is the subset of *store.Store the collector depends on.
type Inserter interface {
	InsertReading(ctx context.Context, r store.Reading) (int64, error)
}

// Collector drives a fixed set of Sources, each on its own ticker,
// persisting every successful Collect to the durable store.
type Collector struct {
	sources []Source
	store   Inserter
	logger  *slog.Logger

	// lastSuccess is a per-source Unix nanosecond timestamp, updated
	// only on a successful insert, so a supervisor staleness check can
	// tell a source that is merely waiting for its next tick from one
	// that has stopped producing entirely.
	lastSuccess sync.Map // map[string]*atomic.Int64
}

// New creates a Collector over sources. Sources with a nil or
// non-positive Period are skipped entirely, matching the disabled-tier
// convention other components use for a zero-valued config section.
func New(st Inserter, sources []Source, logger *slog.Logger) *Collector {
	c := &Collector{store: st, logger: logger}
	for _, src := range sources {
		if src == nil || src.Period() <= 0 {
			continue
		}
		c.sources = append(c.sources, src)
		c.lastSuccess.Store(src.Name(), new(atomic.Int64))
	}
	return c
}

// Run starts one ticker loop per source and blocks until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, src := range c.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			c.sourceLoop(ctx, src)
		}(src)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Collector) sourceLoop(ctx context.Context, src Source) {
	ticker := time.NewTicker(src.Period())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, src)
		}
	}
}

func (c *Collector) tick(ctx context.Context, src Source) {
	values, ok, err := src.Collect(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("lowrate_collect_failed", "source", src.Name(), "error", err)
		}
		return
	}
	if !ok {
		return
	}

	_, err = c.store.InsertReading(ctx, store.Reading{
		Timestamp:   time.Now().UTC(),
		SensorClass: src.Name(),
		Labels:      map[string]string{},
		Values:      values,
	})
	if err != nil {
		if c.logger != nil {
			c.logger.Error("lowrate_insert_failed", "source", src.Name(), "error", err)
		}
		return
	}

	if v, ok := c.lastSuccess.Load(src.Name()); ok {
		v.(*atomic.Int64).Store(time.Now().UnixNano())
	}
}

// Age reports how long ago source last produced a successfully-stored
// reading, and whether it has ever done so. An unknown source name
// (never registered, or registered with a non-positive period) reports
// (0, false).
func (c *Collector) Age(source string) (time.Duration, bool) {
	v, ok := c.lastSuccess.Load(source)
	if !ok {
		return 0, false
	}
	last := v.(*atomic.Int64).Load()
	if last == 0 {
		return 0, false
	}
	return time.Since(time.Unix(0, last)), true
}

// OldestAge reports the maximum age across every registered source,
// for a single aggregate supervisor liveness check covering the whole
// collector rather than one check per source. It reports (0, false)
// while any registered source has not yet produced a reading, and when
// no sources are registered at all.
func (c *Collector) OldestAge() (time.Duration, bool) {
	var oldest time.Duration
	known := false
	for _, src := range c.sources {
		age, ok := c.Age(src.Name())
		if !ok {
			return 0, false
		}
		if !known || age > oldest {
			oldest = age
			known = true
		}
	}
	return oldest, known
}

// PositionPublisher is implemented by a Source that also keeps the
// shared-state snapshot's LastFix current. The position source
// publishes every GPS read made by Collect, including reads without a
// valid fix that are not stored; Collect runs once per PositionPeriodS
// tick, so the published fix is no fresher than that period.
type PositionPublisher interface {
	Source
	Shared() *sharedstate.Store
}
