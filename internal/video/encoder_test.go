package video

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderRunSupervisesProcess(t *testing.T) {
	dir := t.TempDir()
	ring := NewSegmentRing(dir, 5, 1)
	cfg := EncoderConfig{
		EncoderPath:    "/bin/sleep",
		Args:           []string{"0.05"},
		BufferDir:      dir,
		SegmentSeconds: 10,
		StallFactor:    3,
		LockPath:       filepath.Join(dir, "encoder.lock"),
	}
	e, err := NewEncoder(cfg, ring)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	<-done
	assert.Equal(t, StateStopped, e.State())
}

func TestEncoderCheckStallNoSegments(t *testing.T) {
	dir := t.TempDir()
	ring := NewSegmentRing(dir, 5, 1)
	cfg := EncoderConfig{SegmentSeconds: 10, StallFactor: 3}
	e, err := NewEncoder(cfg, ring)
	require.NoError(t, err)

	assert.Nil(t, e.CheckStall(time.Now()), "no segments yet is not a stall")
}

func TestEncoderCheckStallDetectsGap(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, 1000, time.Hour)
	ring := NewSegmentRing(dir, 5, 1)
	cfg := EncoderConfig{SegmentSeconds: 10, StallFactor: 3}
	e, err := NewEncoder(cfg, ring)
	require.NoError(t, err)

	info := e.CheckStall(time.Now())
	require.NotNil(t, info)
	assert.Greater(t, info.Since, 30*time.Second)
}
