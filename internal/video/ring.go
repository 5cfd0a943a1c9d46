// SPDX-License-Identifier: MIT

package video

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Segment is one media file produced by the encoder.
type Segment struct {
	Path  string
	Index int
	Mtime time.Time
	Size  int64
}

var segmentPattern = regexp.MustCompile(`^seg_(\d+)\.ts$`)

// SegmentRing enumerates the buffer directory, enforces retention of
// the N most recent valid segments, and always treats the newest
// segment as in-flight (still being written by the encoder).
type SegmentRing struct {
	dir           string
	retainCount   int
	minBytes      int64
}

// NewSegmentRing creates a ring over dir, retaining retainCount valid
// segments and treating any segment smaller than minBytes as invalid.
func NewSegmentRing(dir string, retainCount int, minBytes int64) *SegmentRing {
	return &SegmentRing{dir: dir, retainCount: retainCount, minBytes: minBytes}
}

// List enumerates valid segments (size >= minBytes, filename matches
// the segment pattern), sorted by index ascending.
func (r *SegmentRing) List() ([]Segment, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("video: read buffer dir: %w", err)
	}

	var segs []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() < r.minBytes {
			continue
		}
		var idx int
		fmt.Sscanf(m[1], "%d", &idx)
		segs = append(segs, Segment{
			Path:  filepath.Join(r.dir, e.Name()),
			Index: idx,
			Mtime: info.ModTime(),
			Size:  info.Size(),
		})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })
	return segs, nil
}

// Stable returns List() minus the newest segment, which is always
// considered in-flight and excluded from save material.
func (r *SegmentRing) Stable() ([]Segment, error) {
	segs, err := r.List()
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, nil
	}
	return segs[:len(segs)-1], nil
}

// NewestMtime returns the most recent segment's mtime (including the
// in-flight one), or the zero Time if no segments exist. Used by
// stall detection.
func (r *SegmentRing) NewestMtime() time.Time {
	segs, err := r.List()
	if err != nil || len(segs) == 0 {
		return time.Time{}
	}
	return segs[len(segs)-1].Mtime
}

// Retain enforces "at most retainCount+1 files on disk" by unlinking
// the oldest valid segments beyond retainCount, leaving the in-flight
// segment untouched.
func (r *SegmentRing) Retain() error {
	stable, err := r.Stable()
	if err != nil {
		return err
	}
	if len(stable) <= r.retainCount {
		return nil
	}
	toRemove := stable[:len(stable)-r.retainCount]
	for _, seg := range toRemove {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("video: retain: remove %s: %w", seg.Path, err)
		}
	}
	return nil
}

// CountAll returns the total number of valid segments including the
// in-flight one, used for the boot-time guard: fewer than 2 means no
// stable segment exists yet since the latest is always in-flight.
func (r *SegmentRing) CountAll() (int, error) {
	segs, err := r.List()
	if err != nil {
		return 0, err
	}
	return len(segs), nil
}
