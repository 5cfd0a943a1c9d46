package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryd/telemetryd/internal/detector"
	"github.com/telemetryd/telemetryd/internal/i2cbus"
	"github.com/telemetryd/telemetryd/internal/sharedstate"
)

type fakeReader struct {
	mu      sync.Mutex
	samples []detector.Sample
	fail    int
	reads   int
}

func (f *fakeReader) Read(ctx context.Context) (detector.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail > 0 {
		f.fail--
		return detector.Sample{}, errors.New("simulated i2c failure")
	}
	if len(f.samples) == 0 {
		return detector.Sample{At: time.Now()}, nil
	}
	s := f.samples[0]
	f.samples = f.samples[1:]
	return s, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []detector.CloseEvent
}

func (r *recordingSink) HandleEvent(ctx context.Context, ev detector.CloseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestSamplerEscalatesAfterConsecutiveFailures(t *testing.T) {
	reader := &fakeReader{fail: 100}
	shared := sharedstate.NewStore()
	sink := &recordingSink{}

	var rebootReason string
	recoverCalls := 0
	recover := func(ctx context.Context) error {
		recoverCalls++
		return errors.New("still locked")
	}

	cfg := Config{Period: time.Millisecond, ConsecutiveFailureThreshold: 5}
	s := New(cfg, reader, recover, shared, nil, sink, func(reason string) { rebootReason = reason }, nil)
	s.escalator.SetSleepFunc(func(time.Duration) {})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.Equal(t, 3, recoverCalls, "escalation table has exactly 3 attempts")
	assert.NotEmpty(t, rebootReason, "reboot must be requested once the table is exhausted")
}

func TestSamplerRecoversAndResetsEscalator(t *testing.T) {
	reader := &fakeReader{fail: 5}
	shared := sharedstate.NewStore()
	sink := &recordingSink{}

	recover := func(ctx context.Context) error { return nil }
	cfg := Config{Period: time.Millisecond, ConsecutiveFailureThreshold: 5}
	s := New(cfg, reader, recover, shared, nil, sink, func(string) {}, nil)
	s.escalator.SetSleepFunc(func(time.Duration) {})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.Equal(t, 0, s.escalator.ResetCount())
}

func TestSamplerPublishesInertialMagnitude(t *testing.T) {
	reader := &fakeReader{samples: []detector.Sample{{Ax: 3, Ay: 4, Az: 0, At: time.Now()}}}
	shared := sharedstate.NewStore()
	sink := &recordingSink{}

	cfg := Config{Period: time.Millisecond, ConsecutiveFailureThreshold: 5}
	s := New(cfg, reader, func(context.Context) error { return nil }, shared, nil, sink, func(string) {}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	snap := shared.Get()
	assert.Greater(t, snap.InertialMagnitude, 0.0)
}

func TestSamplerRingAccessor(t *testing.T) {
	reader := &fakeReader{}
	shared := sharedstate.NewStore()
	s := New(DefaultConfig(), reader, func(context.Context) error { return nil }, shared, nil, nil, func(string) {}, nil)
	require.NotNil(t, s.Ring())
}

var _ i2cbus.RecoveryFunc = func(context.Context) error { return nil }
