package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryd/telemetryd/internal/audio"
)

type recordingAnnouncer struct {
	seen []audio.Announcement
}

func newRecordingAnnouncer() *recordingAnnouncer {
	return &recordingAnnouncer{}
}

func (r *recordingAnnouncer) Announce(a audio.Announcement) {
	r.seen = append(r.seen, a)
}

func alwaysHealthy(context.Context) (bool, error) { return true, nil }

func TestScanRecoversFailingCheckWithinBudget(t *testing.T) {
	var calls int32
	failThenSucceed := func(context.Context) (bool, error) {
		n := atomic.AddInt32(&calls, 1)
		return n > 1, nil
	}
	var recoverCalls int32
	recover := func(context.Context) error {
		atomic.AddInt32(&recoverCalls, 1)
		return nil
	}

	ann := newRecordingAnnouncer()
	s := New(Config{Announcer: ann}, nil)
	s.Register(Check{Name: "sampler", Run: failThenSucceed, Recover: recover, MaxAttempts: 3})

	s.scan(context.Background())

	assert.Equal(t, int32(1), recoverCalls)
	require.Len(t, ann.seen, 1)
	assert.Equal(t, audio.KindRecovered, ann.seen[0].Kind)
}

func TestScanExhaustsRecoveryAndRequestsRebootOnlyWhenFlagged(t *testing.T) {
	var rebootReason string
	s := New(Config{
		RequestReboot: func(reason string) { rebootReason = reason },
	}, nil)

	alwaysFail := func(context.Context) (bool, error) { return false, errors.New("dead") }
	neverRecovers := func(context.Context) error { return errors.New("still dead") }

	s.Register(Check{
		Name: "sampler", Run: alwaysFail, Recover: neverRecovers,
		MaxAttempts: 1, RebootOnExhaustion: true,
	})

	s.scan(context.Background())

	assert.NotEmpty(t, rebootReason)
}

func TestScanNeverRebootsForNonSamplerCheckExhaustion(t *testing.T) {
	var rebootCalled bool
	s := New(Config{
		RequestReboot: func(string) { rebootCalled = true },
	}, nil)

	alwaysFail := func(context.Context) (bool, error) { return false, errors.New("dead") }
	neverRecovers := func(context.Context) error { return errors.New("still dead") }

	s.Register(Check{Name: "disk", Run: alwaysFail, Recover: neverRecovers, MaxAttempts: 1})

	s.scan(context.Background())

	assert.False(t, rebootCalled, "only the sampler check may request a reboot")
}

func TestScanDiagnosticOnlyCheckNeverRecovers(t *testing.T) {
	s := New(Config{}, nil)
	s.Register(Check{Name: "gps", Run: func(context.Context) (bool, error) { return false, nil }})

	require.NotPanics(t, func() { s.scan(context.Background()) })
	assert.Equal(t, 1, s.persistentIssues["gps"])
}

func TestScanAlarmsOnlyAfterTwoConsecutiveFailures(t *testing.T) {
	ann := newRecordingAnnouncer()
	s := New(Config{Announcer: ann}, nil)
	s.Register(Check{Name: "disk", Run: func(context.Context) (bool, error) { return false, nil }})

	s.scan(context.Background())
	assert.Empty(t, ann.seen, "a single failed scan is not yet persistent")

	s.scan(context.Background())
	require.Len(t, ann.seen, 1)
	assert.Equal(t, audio.KindAlarm, ann.seen[0].Kind)
}

func TestScanHealthyCheckClearsPersistentCount(t *testing.T) {
	s := New(Config{}, nil)
	s.Register(Check{Name: "disk", Run: alwaysHealthy})

	s.scan(context.Background())
	assert.Equal(t, 0, s.persistentIssues["disk"])
}

func TestThermalTickAnnouncesOnceAtEachEdge(t *testing.T) {
	var tempC float64
	ann := newRecordingAnnouncer()
	cfg := DefaultConfig()
	cfg.Announcer = ann
	s := New(cfg, func(context.Context) (float64, error) { return tempC, nil })

	tempC = 75
	s.thermalTick(context.Background())
	require.Len(t, ann.seen, 1)
	assert.Equal(t, audio.KindThermalWarn, ann.seen[0].Kind)

	// Still above warn: no repeat announcement (edge-triggered).
	s.thermalTick(context.Background())
	assert.Len(t, ann.seen, 1)

	tempC = 85
	s.thermalTick(context.Background())
	require.Len(t, ann.seen, 2)
	assert.Equal(t, audio.KindThermalThrottle, ann.seen[1].Kind)

	tempC = 50
	s.thermalTick(context.Background())
	assert.Len(t, ann.seen, 2, "dropping below both thresholds announces nothing")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanPeriod = 10 * time.Millisecond
	s := New(cfg, nil)
	s.Register(Check{Name: "noop", Run: alwaysHealthy})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
