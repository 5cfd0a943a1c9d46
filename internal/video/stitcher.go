// SPDX-License-Identifier: MIT

package video

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/telemetryd/telemetryd/internal/audio"
)

// Stitcher assembles pre-roll + live + post-roll segments into one
// clip via the encoder's concat demuxer (no re-encode), followed by
// existence/size verification of the result.
type Stitcher struct {
	ring           *SegmentRing
	segmentSeconds int
	ffmpegPath     string
	outputDir      string
	announcer      audio.Announcer
	logger         *slog.Logger
	now            func() time.Time
	sleep          func(time.Duration)
}

// NewStitcher creates a Stitcher. outputDir receives the final stitched
// clips; the Stitcher writes no JSON sidecars. segmentSeconds is the encoder's fixed
// segment length, used to convert a pre/post-roll window in seconds
// into a segment count.
func NewStitcher(ring *SegmentRing, segmentSeconds int, ffmpegPath, outputDir string, announcer audio.Announcer, logger *slog.Logger) *Stitcher {
	if announcer == nil {
		announcer = audio.NullAnnouncer{}
	}
	return &Stitcher{
		ring: ring, segmentSeconds: segmentSeconds, ffmpegPath: ffmpegPath, outputDir: outputDir,
		announcer: announcer, logger: logger,
		now: time.Now, sleep: time.Sleep,
	}
}

// SaveEvent collects pre-roll, waits out post-roll, concatenates both
// around the triggering segment, and verifies the result. It returns
// the verified output path, or "" if verification failed (an alert has
// already been emitted and logged in that case).
func (s *Stitcher) SaveEvent(ctx context.Context, preS, postS int, prefix string) (string, error) {
	preSegs, err := s.collectWindow(preS)
	if err != nil {
		return "", fmt.Errorf("video: collect pre-roll: %w", err)
	}
	lastPreIndex := -1
	if len(preSegs) > 0 {
		lastPreIndex = preSegs[len(preSegs)-1].Index
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.after(time.Duration(postS) * time.Second):
	}

	afterStable, err := s.ring.Stable()
	if err != nil {
		return "", fmt.Errorf("video: collect post-roll: %w", err)
	}
	var postSegs []Segment
	for _, seg := range afterStable {
		if seg.Index > lastPreIndex {
			postSegs = append(postSegs, seg)
		}
	}
	if len(postSegs) == 0 && s.logger != nil {
		// Diagnostic only; never fails the save for this reason alone.
		s.logger.Info("video_save_post_event_empty", "prefix", prefix)
	}

	all := append(append([]Segment{}, preSegs...), postSegs...)
	outPath := filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.mp4", prefix, s.now().UTC().Format("20060102T150405")))

	if err := s.concat(ctx, all, outPath); err != nil {
		s.fail(prefix, outPath, 0, false, err)
		return "", nil
	}

	info, statErr := os.Stat(outPath)
	if statErr != nil || info.Size() == 0 {
		var size int64
		exists := statErr == nil
		if exists {
			size = info.Size()
		}
		s.fail(prefix, outPath, size, exists, nil)
		return "", nil
	}

	return outPath, nil
}

func (s *Stitcher) after(d time.Duration) <-chan time.Time {
	if s.sleep == nil {
		return time.After(d)
	}
	ch := make(chan time.Time, 1)
	s.sleep(d)
	ch <- s.now()
	return ch
}

// collectWindow returns the N most recent complete (non-in-flight)
// segments whose combined duration covers at least `seconds` worth of
// material.
func (s *Stitcher) collectWindow(seconds int) ([]Segment, error) {
	stable, err := s.ring.Stable()
	if err != nil {
		return nil, err
	}
	if s.segmentSeconds <= 0 || seconds <= 0 {
		return stable, nil
	}
	want := (seconds + s.segmentSeconds - 1) / s.segmentSeconds
	if want >= len(stable) {
		return stable, nil
	}
	return stable[len(stable)-want:], nil
}

func (s *Stitcher) concat(ctx context.Context, segs []Segment, outPath string) error {
	if len(segs) == 0 {
		return fmt.Errorf("video: no segments to stitch")
	}

	listFile, err := os.CreateTemp("", "concat-*.txt")
	if err != nil {
		return fmt.Errorf("video: concat list: %w", err)
	}
	defer os.Remove(listFile.Name())

	for _, seg := range segs {
		fmt.Fprintf(listFile, "file '%s'\n", seg.Path)
	}
	listFile.Close()

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("video: output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-y", "-f", "concat", "-safe", "0", "-i", listFile.Name(), "-c", "copy", outPath)
	return cmd.Run()
}

func (s *Stitcher) fail(prefix, outPath string, size int64, exists bool, cause error) {
	if s.logger != nil {
		s.logger.Error("video_save_verification_failed",
			"prefix", prefix, "path", outPath, "exists", exists, "size", size, "error", cause)
	}
	s.announcer.Announce(audio.Announcement{
		Kind:    audio.KindVideoSaveFailed,
		Message: fmt.Sprintf("video save failed for %s", prefix),
	})
}
