package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertReadingMonotonicIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertReading(ctx, Reading{
		Timestamp: time.Now(), SensorClass: "inertial",
		Labels: map[string]string{"axis": "x"}, Values: map[string]float64{"accel": 0.1},
	})
	require.NoError(t, err)

	id2, err := s.InsertReading(ctx, Reading{
		Timestamp: time.Now(), SensorClass: "inertial",
		Labels: map[string]string{"axis": "y"}, Values: map[string]float64{"accel": 0.2},
	})
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
}

func TestReadBatchOrderedAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.InsertReading(ctx, Reading{
			Timestamp: time.Now(), SensorClass: "environment",
			Labels: map[string]string{}, Values: map[string]float64{"n": float64(i)},
		})
		require.NoError(t, err)
	}

	batch, err := s.ReadBatch(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, 0.0, batch[0].Values["n"])
	assert.Equal(t, 2.0, batch[2].Values["n"])

	rest, err := s.ReadBatch(ctx, batch[2].ID, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestOpenEventRefusesDuplicateKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.OpenEvent(ctx, "hard-brake", time.Now(), 0, 0, 0)
	require.NoError(t, err)

	_, err = s.OpenEvent(ctx, "hard-brake", time.Now(), 0, 0, 0)
	assert.Error(t, err)

	_, err = s.OpenEvent(ctx, "big-corner", time.Now(), 0, 0, 0)
	assert.NoError(t, err)
}

func TestCloseEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.OpenEvent(ctx, "hard-brake", time.Now(), 0, 0, 0)
	require.NoError(t, err)

	end := time.Now().Add(time.Second)
	require.NoError(t, s.CloseEvent(ctx, id, end, false))
	require.NoError(t, s.CloseEvent(ctx, id, end.Add(time.Hour), true))

	_, err = s.OpenEvent(ctx, "hard-brake", time.Now(), 0, 0, 0)
	assert.NoError(t, err, "closing frees the kind for a new open event")
}

func TestCursorRejectsRegression(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceCursor(ctx, 10))
	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, cur)

	err = s.AdvanceCursor(ctx, 5)
	assert.Error(t, err)

	cur, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, cur, "cursor must not regress")
}

func TestReconcileOnBootClosesOrphanEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")
	s, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.ReconcileOnBoot(ctx)
	require.NoError(t, err)

	_, err = s.InsertReading(ctx, Reading{Timestamp: time.Now(), SensorClass: "inertial", Labels: map[string]string{}, Values: map[string]float64{}})
	require.NoError(t, err)
	evID, err := s.OpenEvent(ctx, "hard-brake", time.Now(), 0.4, 0, 0)
	require.NoError(t, err)

	// Simulate a crash: close the handle without calling Close(), leaving
	// the dirty sentinel set and the event open.
	s.db.Close()
	s.writeMu.Release()

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	report, err := s2.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	assert.True(t, report.WasUnclean)
	assert.True(t, report.IntegrityOK)
	assert.Equal(t, 1, report.EventsClosed)

	var endMs *int64
	var interrupted bool
	row := s2.db.QueryRowContext(ctx, `SELECT end_ts_ms, interrupted FROM events WHERE id = ?`, evID)
	require.NoError(t, row.Scan(&endMs, &interrupted))
	require.NotNil(t, endMs)
	assert.True(t, interrupted)
}
