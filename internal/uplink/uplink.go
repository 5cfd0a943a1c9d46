// SPDX-License-Identifier: MIT

package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telemetryd/telemetryd/internal/store"
)

// Store is the subset of *store.Store the uplink needs, narrowed so
// the sync loop can be tested against a fake.
type Store interface {
	ReadBatch(ctx context.Context, afterID int64, limit int) ([]store.Reading, error)
	Cursor(ctx context.Context) (int64, error)
	AdvanceCursor(ctx context.Context, lastID int64) error
}

// Config controls the sync loop's pacing and batching.
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxTooOldRetries int
	ProbeAddr        string
	ProbeTimeout     time.Duration
	ProbeCacheFor    time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     30 * time.Second,
		BatchSize:        500,
		MaxTooOldRetries: 20,
		ProbeAddr:        "",
		ProbeTimeout:     2 * time.Second,
		ProbeCacheFor:    10 * time.Second,
	}
}

// Uplink drives the cursor-based batch push: a connectivity probe
// gates each attempt, accepted rows advance the cursor, and a batch
// the sink rejects wholly as too-old is dropped (cursor advanced past
// it) only after MaxTooOldRetries consecutive rejections. Rows rejected
// as too-old in a partly accepted batch are dropped at once, counted
// and logged.
type Uplink struct {
	store  Store
	sink   Sink
	probe  Prober
	cfg    Config
	logger *slog.Logger

	// syncMu is held for the duration of any sync attempt (scheduled or
	// manually triggered), so a manual trigger and the scheduled poll
	// can never run concurrently.
	syncMu sync.Mutex

	tooOldStreak int

	// partialTooOldDropped counts rows dropped by a partial too-old
	// rejection (some rows in a batch outside the sink's acceptance
	// window, the rest accepted). Unlike a full-batch rejection, a
	// partial one is never retried: the cursor still advances past the
	// accepted rows, which also passes the rejected ones, so the count
	// here is the only record that they were lost.
	partialTooOldDropped atomic.Int64
}

// PartialTooOldDropped returns the running count of rows dropped by a
// partial too-old rejection, exposed for the health endpoint.
func (u *Uplink) PartialTooOldDropped() int64 {
	return u.partialTooOldDropped.Load()
}

// New builds an Uplink. probe may be nil, in which case the link is
// always considered reachable (useful for tests and for deployments
// where connectivity is assumed).
func New(st Store, sink Sink, probe Prober, cfg Config, logger *slog.Logger) *Uplink {
	if probe == nil {
		probe = alwaysReachable{}
	}
	return &Uplink{store: st, sink: sink, probe: probe, cfg: cfg, logger: logger}
}

type alwaysReachable struct{}

func (alwaysReachable) Reachable() bool { return true }

// Run polls on cfg.PollInterval until ctx is cancelled, calling
// SyncOnce on each tick. Errors are logged, not fatal: the loop keeps
// polling on the next tick, since transient failures retry and never
// stop the daemon.
func (u *Uplink) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := u.SyncOnce(ctx); err != nil && u.logger != nil {
				u.logger.Warn("uplink_sync_failed", "error", err)
			}
		}
	}
}

// TriggerManualSync runs one sync attempt immediately, excluding any
// concurrently scheduled sync. It returns an error if a sync is
// already in flight rather than queuing behind it.
func (u *Uplink) TriggerManualSync(ctx context.Context) error {
	if !u.syncMu.TryLock() {
		return fmt.Errorf("uplink: a sync is already in progress")
	}
	defer u.syncMu.Unlock()
	return u.syncLocked(ctx)
}

// SyncOnce runs one scheduled sync attempt.
func (u *Uplink) SyncOnce(ctx context.Context) error {
	u.syncMu.Lock()
	defer u.syncMu.Unlock()
	return u.syncLocked(ctx)
}

func (u *Uplink) syncLocked(ctx context.Context) error {
	if !u.probe.Reachable() {
		return nil
	}

	cursor, err := u.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("uplink: read cursor: %w", err)
	}

	readings, err := u.store.ReadBatch(ctx, cursor, u.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("uplink: read batch: %w", err)
	}
	if len(readings) == 0 {
		return nil
	}

	ids := make([]int64, len(readings))
	for i, r := range readings {
		ids[i] = r.ID
	}
	batch := ToWire(readings)

	result, err := u.sink.Push(ctx, batch, ids)
	if err != nil {
		return fmt.Errorf("uplink: push batch: %w", err)
	}

	highestID := ids[len(ids)-1]

	if result.RejectedTooOld >= len(readings) {
		// The sink refused the whole batch as outside its acceptance
		// window. Retry without advancing the cursor so nothing is
		// silently lost to a transient clock/window mismatch, but give
		// up and drop the batch once the rejection streak shows the
		// data will never become acceptable.
		u.tooOldStreak++
		if u.logger != nil {
			u.logger.Warn("uplink_batch_rejected_too_old", "streak", u.tooOldStreak, "rows", len(readings))
		}
		if u.tooOldStreak < u.cfg.MaxTooOldRetries {
			return nil
		}
		if u.logger != nil {
			u.logger.Error("uplink_dropping_batch_after_max_retries", "rows", len(readings), "through_id", highestID)
		}
		u.tooOldStreak = 0
		return u.store.AdvanceCursor(ctx, highestID)
	}

	u.tooOldStreak = 0

	if result.RejectedTooOld > 0 {
		// Some rows in this batch were too old, the rest were accepted.
		// The cursor still advances past the whole batch below, so
		// these rows are gone for good; count and log them now or the
		// loss is invisible.
		u.partialTooOldDropped.Add(int64(result.RejectedTooOld))
		if u.logger != nil {
			u.logger.Warn("uplink_partial_batch_rejected_too_old",
				"dropped", result.RejectedTooOld, "accepted", len(readings)-result.RejectedTooOld)
		}
	}

	advanceTo := result.AcceptedThroughID
	if advanceTo <= 0 {
		advanceTo = highestID
	}
	if advanceTo > cursor {
		return u.store.AdvanceCursor(ctx, advanceTo)
	}
	return nil
}
