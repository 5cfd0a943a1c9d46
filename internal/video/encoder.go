// SPDX-License-Identifier: MIT

// Package video implements the video ring buffer: a supervised
// segmented-encoder subprocess, bounded on-disk segment retention, and
// the pre-roll/post-roll clip stitcher.
//
// The process lifecycle (state machine, exponential-backoff restart,
// single-instance file lock) follows the same supervised-subprocess
// shape as an FFmpeg-to-RTSP pusher, generalized from an
// RTSP-streaming ALSA capture to a segmented local encoder whose only
// output is a directory of fixed-length media files.
package video

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telemetryd/telemetryd/internal/lock"
	"github.com/telemetryd/telemetryd/internal/stream"
	"github.com/telemetryd/telemetryd/internal/util"
)

// State mirrors a supervised FFmpeg-to-RTSP pusher's state machine,
// generalized here to the segmented-encoder subprocess.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EncoderConfig configures the segmented encoder subprocess.
type EncoderConfig struct {
	EncoderPath    string
	Args           []string // e.g. segment muxer args producing seg_%06d.ts under BufferDir
	BufferDir      string
	SegmentSeconds int
	StallFactor    int // stall threshold = StallFactor * SegmentSeconds
	LockPath       string
	Logger         *slog.Logger
}

// Encoder supervises one segmented-encoder subprocess, restarting it
// with backoff on failure and detecting output stalls by segment mtime:
// subprocess liveness plus an mtime heuristic, kept explicit rather
// than folded into a generic health check.
type Encoder struct {
	cfg       EncoderConfig
	backoff   *stream.Backoff
	flock     *lock.FileLock
	resMon    *stream.ResourceMonitor
	monCancel context.CancelFunc

	state atomic.Value // State

	mu  sync.Mutex
	cmd *exec.Cmd

	ring *SegmentRing
}

// logWriter adapts a structured logger to the io.Writer ResourceMonitor
// expects for its alert log lines.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Warn(string(p))
	return len(p), nil
}

// NewEncoder creates an Encoder. ring tracks on-disk segment retention
// and is also consulted for stall detection (most-recent segment mtime).
func NewEncoder(cfg EncoderConfig, ring *SegmentRing) (*Encoder, error) {
	fl, err := lock.NewFileLock(cfg.LockPath)
	if err != nil {
		return nil, fmt.Errorf("video: encoder lock: %w", err)
	}
	var monOpts []stream.MonitorOption
	if cfg.Logger != nil {
		monOpts = append(monOpts, stream.WithLogger(logWriter{cfg.Logger}))
	}
	e := &Encoder{
		cfg:     cfg,
		backoff: stream.NewBackoff(2*time.Second, 30*time.Second, 0),
		flock:   fl,
		resMon:  stream.NewResourceMonitor(monOpts...),
		ring:    ring,
	}
	e.state.Store(StateIdle)
	return e, nil
}

// State returns the current supervised-process state.
func (e *Encoder) State() State { return e.state.Load().(State) }

// Run starts the encoder and supervises it, restarting on exit with
// backoff, until ctx is cancelled.
func (e *Encoder) Run(ctx context.Context) error {
	if err := e.flock.Acquire(lock.DefaultAcquireTimeout); err != nil {
		return fmt.Errorf("video: another encoder instance holds the lock: %w", err)
	}
	defer e.flock.Release()

	for {
		select {
		case <-ctx.Done():
			e.stop()
			e.state.Store(StateStopped)
			return nil
		default:
		}

		e.state.Store(StateStarting)
		start := time.Now()
		if err := e.start(); err != nil {
			e.logError("video_encoder_start_failed", err)
			e.state.Store(StateFailed)
			if e.backoff.WaitContext(ctx) != nil {
				e.state.Store(StateStopped)
				return nil
			}
			e.backoff.RecordFailure()
			continue
		}
		e.state.Store(StateRunning)

		waitErr := e.wait()
		runTime := time.Since(start)
		if ctx.Err() != nil {
			e.state.Store(StateStopped)
			return nil
		}

		e.logError("video_encoder_exited", waitErr)
		e.state.Store(StateFailed)
		e.backoff.RecordSuccess(runTime)
		if e.backoff.WaitContext(ctx) != nil {
			e.state.Store(StateStopped)
			return nil
		}
	}
}

func (e *Encoder) start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cmd := exec.Command(e.cfg.EncoderPath, e.cfg.Args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return err
	}
	e.cmd = cmd

	monCtx, cancel := context.WithCancel(context.Background())
	e.monCancel = cancel
	pid := cmd.Process.Pid
	util.SafeGo("video-resource-monitor", logWriterOrDiscard(e.cfg.Logger), func() {
		e.resMon.MonitorProcess(monCtx, pid, 10*time.Second, func(alerts []stream.ResourceAlert) {
			for _, a := range alerts {
				if a.Level == stream.AlertCritical {
					e.logError("video_encoder_resource_alert", fmt.Errorf("%s: %s", a.Resource, a.Message))
				}
			}
		})
	}, nil)
	util.SafeGo("video-retention", logWriterOrDiscard(e.cfg.Logger), func() {
		e.retainLoop(monCtx)
	}, nil)
	return nil
}

// retainLoop periodically prunes the segment directory so a
// long-running encoder never accumulates more than retainCount+1
// on-disk segments between restarts; Retain is otherwise only exercised
// by tests.
func (e *Encoder) retainLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.SegmentSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ring.Retain(); err != nil {
				e.logError("video_retain_failed", err)
			}
		}
	}
}

// logWriterOrDiscard adapts an optional logger to the io.Writer SafeGo
// expects for reporting a recovered panic; falls back to io.Discard
// when no logger is configured.
func logWriterOrDiscard(logger *slog.Logger) io.Writer {
	if logger == nil {
		return io.Discard
	}
	return logWriter{logger}
}

func (e *Encoder) wait() error {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil {
		return fmt.Errorf("video: wait called with no running process")
	}
	return cmd.Wait()
}

func (e *Encoder) stop() {
	e.mu.Lock()
	cmd := e.cmd
	cancel := e.monCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}
	e.state.Store(StateStopping)
	_ = cmd.Process.Kill()
}

// Restart force-kills the current subprocess; the supervision loop in
// Run observes the exit and restarts per the backoff schedule. Used by
// the stall-recovery path to kill the encoder and let it come back up.
func (e *Encoder) Restart() {
	e.stop()
}

func (e *Encoder) logError(event string, err error) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Error(event, "error", err)
	}
}

// StallInfo describes a detected encoder stall. CheckStall returns a
// nullable pointer rather than a bool so callers (and tests) can read
// the stall details without a second call.
type StallInfo struct {
	LastSegmentAt time.Time
	Since         time.Duration
}

// CheckStall reports a stall if no new segment has appeared for more
// than StallFactor * SegmentSeconds.
func (e *Encoder) CheckStall(now time.Time) *StallInfo {
	last := e.ring.NewestMtime()
	if last.IsZero() {
		return nil
	}
	threshold := time.Duration(e.cfg.StallFactor) * time.Duration(e.cfg.SegmentSeconds) * time.Second
	since := now.Sub(last)
	if since <= threshold {
		return nil
	}
	return &StallInfo{LastSegmentAt: last, Since: since}
}
