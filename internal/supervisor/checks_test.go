package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessCheckFailsWhenStale(t *testing.T) {
	c := NewLivenessCheck("sampler", func() (time.Duration, bool) {
		return 10 * time.Second, true
	}, 5*time.Second, nil, 0, false)

	ok, err := c.Run(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestLivenessCheckPassesWhenFresh(t *testing.T) {
	c := NewLivenessCheck("sampler", func() (time.Duration, bool) {
		return time.Second, true
	}, 5*time.Second, nil, 0, false)

	ok, err := c.Run(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestLivenessCheckPassesWhenNeverRan(t *testing.T) {
	c := NewLivenessCheck("gps", func() (time.Duration, bool) {
		return 0, false
	}, 5*time.Second, nil, 0, false)

	ok, _ := c.Run(context.Background())
	assert.True(t, ok, "a component that never produced anything is not yet stale")
}

func TestDegradedLivenessCheckHasNoRecovery(t *testing.T) {
	c := NewDegradedLivenessCheck("gps", func() (time.Duration, bool) { return time.Minute, true }, time.Second)
	assert.Nil(t, c.Recover)
}

func TestStallCheckReportsDetail(t *testing.T) {
	c := NewStallCheck("video", func(time.Time) (bool, string) {
		return true, "no new segment for 45s"
	}, nil, 0)

	ok, err := c.Run(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "45s")
}

func TestDiskCheckFailsAboveWarnThreshold(t *testing.T) {
	c := NewDiskCheck("disk", t.TempDir(), 0, 0) // 0% thresholds: always "over"
	ok, err := c.Run(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestDiskCheckPassesBelowThresholds(t *testing.T) {
	c := NewDiskCheck("disk", t.TempDir(), 100, 100)
	ok, err := c.Run(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestGuardedRecoverFuncSkipsUnlessEverInitialized(t *testing.T) {
	var called bool
	ever := false
	recover := GuardedRecoverFunc(func() bool { return ever }, func(context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, recover(context.Background()))
	assert.False(t, called, "never-initialized subsystem is never cleaned up/reinitialized")

	ever = true
	require.NoError(t, recover(context.Background()))
	assert.True(t, called)
}
