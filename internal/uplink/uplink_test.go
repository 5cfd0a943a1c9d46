package uplink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryd/telemetryd/internal/store"
)

type fakeStore struct {
	readings []store.Reading
	cursor   int64
	advances []int64
}

func (f *fakeStore) ReadBatch(_ context.Context, afterID int64, limit int) ([]store.Reading, error) {
	var out []store.Reading
	for _, r := range f.readings {
		if r.ID > afterID {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) Cursor(_ context.Context) (int64, error) { return f.cursor, nil }

func (f *fakeStore) AdvanceCursor(_ context.Context, lastID int64) error {
	f.advances = append(f.advances, lastID)
	f.cursor = lastID
	return nil
}

func mkReadings(n int) []store.Reading {
	out := make([]store.Reading, n)
	for i := range out {
		out[i] = store.Reading{
			ID:          int64(i + 1),
			Timestamp:   time.Now(),
			SensorClass: "accel",
			Labels:      map[string]string{"axis": "x"},
			Values:      map[string]float64{"g": 0.1},
		}
	}
	return out
}

type fakeSink struct {
	results []PushResult
	errs    []error
	calls   int
}

func (f *fakeSink) Push(_ context.Context, batch []WireSample, ids []int64) (PushResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return PushResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return PushResult{AcceptedThroughID: ids[len(ids)-1]}, nil
}

func TestSyncOnceAdvancesCursorOnFullAccept(t *testing.T) {
	st := &fakeStore{readings: mkReadings(5)}
	sink := &fakeSink{}
	u := New(st, sink, nil, DefaultConfig(), nil)

	require.NoError(t, u.SyncOnce(context.Background()))
	assert.Equal(t, int64(5), st.cursor)
}

func TestSyncOnceSkipsWhenUnreachable(t *testing.T) {
	st := &fakeStore{readings: mkReadings(5)}
	sink := &fakeSink{}
	u := New(st, sink, fakeProbe{false}, DefaultConfig(), nil)

	require.NoError(t, u.SyncOnce(context.Background()))
	assert.Equal(t, int64(0), st.cursor, "no sync attempted while unreachable")
	assert.Equal(t, 0, sink.calls)
}

func TestSyncOnceNoOpWhenCaughtUp(t *testing.T) {
	st := &fakeStore{readings: mkReadings(5), cursor: 5}
	sink := &fakeSink{}
	u := New(st, sink, nil, DefaultConfig(), nil)

	require.NoError(t, u.SyncOnce(context.Background()))
	assert.Empty(t, st.advances)
}

func TestSyncOnceRetriesTooOldWithoutAdvancingUntilStreakLimit(t *testing.T) {
	st := &fakeStore{readings: mkReadings(3)}
	sink := &fakeSink{results: []PushResult{{RejectedTooOld: 3}, {RejectedTooOld: 3}}}
	cfg := DefaultConfig()
	cfg.MaxTooOldRetries = 2
	u := New(st, sink, nil, cfg, nil)

	require.NoError(t, u.SyncOnce(context.Background()))
	assert.Empty(t, st.advances, "first rejection does not advance the cursor")

	require.NoError(t, u.SyncOnce(context.Background()))
	require.Len(t, st.advances, 1, "streak limit reached: batch dropped and cursor advanced past it")
	assert.Equal(t, int64(3), st.advances[0])
}

func TestSyncOnceLogsAndCountsPartialTooOldRejection(t *testing.T) {
	st := &fakeStore{readings: mkReadings(500)}
	sink := &fakeSink{results: []PushResult{{RejectedTooOld: 100, AcceptedThroughID: 500}}}
	u := New(st, sink, nil, DefaultConfig(), nil)

	require.NoError(t, u.SyncOnce(context.Background()))
	require.Len(t, st.advances, 1, "the accepted rest of the batch still advances the cursor")
	assert.Equal(t, int64(500), st.advances[0])
	assert.Equal(t, int64(100), u.PartialTooOldDropped(), "the first 100 rejected-too-old rows are counted even though the rest of the batch was accepted")
}

func TestTriggerManualSyncExcludesConcurrentSync(t *testing.T) {
	st := &fakeStore{readings: mkReadings(5)}
	sink := &fakeSink{}
	u := New(st, sink, nil, DefaultConfig(), nil)

	u.syncMu.Lock()
	err := u.TriggerManualSync(context.Background())
	u.syncMu.Unlock()

	assert.Error(t, err)
}

type fakeProbe struct{ ok bool }

func (f fakeProbe) Reachable() bool { return f.ok }
