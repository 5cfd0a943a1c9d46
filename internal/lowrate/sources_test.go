// SPDX-License-Identifier: MIT

package lowrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryd/telemetryd/internal/gps"
	"github.com/telemetryd/telemetryd/internal/sharedstate"
)

func TestEnvironmentSourceCollectReturnsReadTempValue(t *testing.T) {
	src := NewEnvironmentSource(func(context.Context) (float64, error) { return 55.5, nil }, 30)
	values, ok, err := src.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 55.5, values["cpu_temp_c"])
}

func TestEnvironmentSourceCollectPropagatesReadError(t *testing.T) {
	src := NewEnvironmentSource(func(context.Context) (float64, error) { return 0, errors.New("thermal zone unreadable") }, 30)
	_, ok, err := src.Collect(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestPowerSourceCollectReadsSysfsAttributes(t *testing.T) {
	dir := t.TempDir()
	batDir := filepath.Join(dir, "BAT0")
	require.NoError(t, os.MkdirAll(batDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(batDir, "voltage_now"), []byte("12000000\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(batDir, "capacity"), []byte("87\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(batDir, "status"), []byte("Charging\n"), 0600))

	src := NewPowerSource(dir, "BAT0", 60)
	values, ok, err := src.Collect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.0, values["voltage_v"])
	assert.Equal(t, 87.0, values["capacity_pct"])
	assert.Equal(t, 1.0, values["charging"])
}

func TestPowerSourceCollectReportsNotOKWhenSupplyMissing(t *testing.T) {
	dir := t.TempDir()
	src := NewPowerSource(dir, "BAT0", 60)
	_, ok, err := src.Collect(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

type fakeGPSReader struct {
	fix gps.Fix
	err error
}

func (f *fakeGPSReader) Read() (gps.Fix, error) { return f.fix, f.err }
func (f *fakeGPSReader) Close() error           { return nil }

func TestPositionSourceCollectPublishesValidFix(t *testing.T) {
	shared := sharedstate.NewStore()
	reader := &fakeGPSReader{fix: gps.Fix{Latitude: 48.1, Longitude: 11.5, Altitude: 500, Valid: true, At: time.Now()}}
	src := NewPositionSource(reader, shared, 2)

	values, ok, err := src.Collect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 48.1, values["latitude"])

	snap := shared.Get()
	assert.True(t, snap.LastFix.Valid)
	assert.Equal(t, 11.5, snap.LastFix.Longitude)
}

func TestPositionSourceCollectReportsNotOKOnInvalidFix(t *testing.T) {
	shared := sharedstate.NewStore()
	reader := &fakeGPSReader{fix: gps.Fix{Valid: false}}
	src := NewPositionSource(reader, shared, 2)

	_, ok, err := src.Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "an acquired-but-invalid fix is not persisted as a reading")

	snap := shared.Get()
	assert.False(t, snap.LastFix.Valid, "shared state still reflects the no-fix status")
}

func TestPositionSourceCollectReturnsErrorFromReader(t *testing.T) {
	reader := &fakeGPSReader{err: errors.New("serial read failed")}
	src := NewPositionSource(reader, nil, 2)

	_, ok, err := src.Collect(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestPositionSourceCollectRespectsContextCancellation(t *testing.T) {
	reader := &blockingGPSReader{unblock: make(chan struct{})}
	src := NewPositionSource(reader, nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := src.Collect(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	close(reader.unblock)
}

type blockingGPSReader struct {
	unblock chan struct{}
}

func (b *blockingGPSReader) Read() (gps.Fix, error) {
	<-b.unblock
	return gps.Fix{}, errors.New("unreachable")
}
func (b *blockingGPSReader) Close() error { return nil }
