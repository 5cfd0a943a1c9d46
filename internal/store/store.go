// SPDX-License-Identifier: MIT

// Package store implements the crash-safe durable store: an
// append-only readings table, an events table with open/close
// semantics, and a monotonic sync cursor, backed by modernc.org/sqlite
// in WAL journaling mode with synchronous=FULL.
//
// Single-writer access is enforced with a lock.FileLock, the same
// flock(2)-based exclusion the video encoder uses to keep two instances
// from fighting over the segment buffer directory; any number of
// readers may open their own *sql.DB against the same file concurrently
// with WAL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/telemetryd/telemetryd/internal/lock"
)

// Reading is one immutable sample from one sensor class.
type Reading struct {
	ID          int64
	Timestamp   time.Time
	SensorClass string
	Labels      map[string]string
	Values      map[string]float64
}

// Event is one detected or externally triggered incident.
type Event struct {
	ID          int64
	Kind        string
	StartTime   time.Time
	EndTime     *time.Time
	PeakX       float64
	PeakY       float64
	PeakZ       float64
	Interrupted bool
	VideoPath   *string
}

// ReconcileReport summarizes the work done by ReconcileOnBoot.
type ReconcileReport struct {
	WasUnclean    bool
	IntegrityOK   bool
	Quarantined   bool
	EventsClosed  int
	CursorClamped bool
}

// Store is the single-writer, many-reader handle onto the durable
// store file (the configured path plus its -wal/-shm siblings).
type Store struct {
	db      *sql.DB
	path    string
	writeMu *lock.FileLock
}

// Open opens (creating if absent) the store at path, applies the WAL
// and full-synchronous pragmas, migrates the schema, and acquires the
// single-writer file lock. Callers must call Close.
func Open(path string) (*Store, error) {
	fl, err := lock.NewFileLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("store: acquire writer lock: %w", err)
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		return nil, fmt.Errorf("store: store is already open for writing: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fl.Release()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, writeMu: fl}
	if err := s.migrate(); err != nil {
		db.Close()
		fl.Release()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ms INTEGER NOT NULL,
	sensor_class TEXT NOT NULL,
	labels TEXT NOT NULL,
	values_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	start_ts_ms INTEGER NOT NULL,
	end_ts_ms INTEGER,
	peak_x REAL NOT NULL DEFAULT 0,
	peak_y REAL NOT NULL DEFAULT 0,
	peak_z REAL NOT NULL DEFAULT 0,
	interrupted INTEGER NOT NULL DEFAULT 0,
	video_path TEXT
);
CREATE TABLE IF NOT EXISTS cursor (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_acknowledged_reading_id INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS boot_sentinel (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	dirty INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO cursor (id, last_acknowledged_reading_id) VALUES (1, 0);
INSERT OR IGNORE INTO boot_sentinel (id, dirty) VALUES (1, 0);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate schema: %w", err)
	}
	// Mark the store dirty for the duration of this process; ReconcileOnBoot
	// reads the value left over from the PRIOR process before this line runs
	// again, so the mark must happen after reconciliation, not here. See
	// ReconcileOnBoot and Close.
	return nil
}

// Close flushes and releases the store, clearing the dirty sentinel so
// the next Open sees a clean shutdown.
func (s *Store) Close() error {
	_, _ = s.db.Exec(`UPDATE boot_sentinel SET dirty = 0 WHERE id = 1`)
	err := s.db.Close()
	s.writeMu.Release()
	return err
}

// InsertReading appends a reading and returns its monotonic id.
func (s *Store) InsertReading(ctx context.Context, r Reading) (int64, error) {
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return 0, fmt.Errorf("store: marshal labels: %w", err)
	}
	values, err := json.Marshal(r.Values)
	if err != nil {
		return 0, fmt.Errorf("store: marshal values: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (ts_ms, sensor_class, labels, values_json) VALUES (?, ?, ?, ?)`,
		r.Timestamp.UnixMilli(), r.SensorClass, string(labels), string(values))
	if err != nil {
		return 0, fmt.Errorf("store: insert reading: %w", err)
	}
	return res.LastInsertId()
}

// OpenEvent creates an open event row. It refuses to create a second
// concurrently-open event of the same kind.
func (s *Store) OpenEvent(ctx context.Context, kind string, start time.Time, peakX, peakY, peakZ float64) (int64, error) {
	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE kind = ? AND end_ts_ms IS NULL LIMIT 1`, kind).Scan(&existing)
	switch {
	case err == nil:
		return 0, fmt.Errorf("store: kind %q already has an open event (id=%d)", kind, existing)
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("store: check open event: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, start_ts_ms, peak_x, peak_y, peak_z) VALUES (?, ?, ?, ?, ?)`,
		kind, start.UnixMilli(), peakX, peakY, peakZ)
	if err != nil {
		return 0, fmt.Errorf("store: open event: %w", err)
	}
	return res.LastInsertId()
}

// CloseEvent sets the end timestamp. Idempotent: closing an already-closed
// event is a no-op, not an error.
func (s *Store) CloseEvent(ctx context.Context, id int64, end time.Time, interrupted bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET end_ts_ms = ?, interrupted = ? WHERE id = ? AND end_ts_ms IS NULL`,
		end.UnixMilli(), interrupted, id)
	if err != nil {
		return fmt.Errorf("store: close event %d: %w", id, err)
	}
	return nil
}

// ExtendEvent unconditionally sets the end timestamp of an
// already-closed event, used when a new detector close extends a prior
// event within its suppression window rather than opening a new row.
// Unlike CloseEvent it carries no "WHERE end_ts_ms IS NULL" guard,
// since the row being extended is already closed by definition.
func (s *Store) ExtendEvent(ctx context.Context, id int64, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET end_ts_ms = ? WHERE id = ?`,
		end.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: extend event %d: %w", id, err)
	}
	return nil
}

// AttachVideo records the saved clip path against an event.
func (s *Store) AttachVideo(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET video_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("store: attach video to event %d: %w", id, err)
	}
	return nil
}

// ReadBatch returns up to limit readings with id > afterID, ordered
// ascending by id.
func (s *Store) ReadBatch(ctx context.Context, afterID int64, limit int) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts_ms, sensor_class, labels, values_json FROM readings WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: read batch: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		var tsMs int64
		var labels, values string
		if err := rows.Scan(&r.ID, &tsMs, &r.SensorClass, &labels, &values); err != nil {
			return nil, fmt.Errorf("store: scan reading: %w", err)
		}
		r.Timestamp = time.UnixMilli(tsMs).UTC()
		if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
			return nil, fmt.Errorf("store: unmarshal labels for reading %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(values), &r.Values); err != nil {
			return nil, fmt.Errorf("store: unmarshal values for reading %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cursor returns the current sync cursor value.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT last_acknowledged_reading_id FROM cursor WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("store: read cursor: %w", err)
	}
	return v, nil
}

// AdvanceCursor persists lastID as the new cursor value. It rejects
// any attempt to move the cursor backwards.
func (s *Store) AdvanceCursor(ctx context.Context, lastID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cursor SET last_acknowledged_reading_id = ? WHERE id = 1 AND last_acknowledged_reading_id <= ?`,
		lastID, lastID)
	if err != nil {
		return fmt.Errorf("store: advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: advance cursor rows affected: %w", err)
	}
	if n == 0 {
		cur, _ := s.Cursor(ctx)
		if lastID < cur {
			return fmt.Errorf("store: refusing to regress cursor from %d to %d", cur, lastID)
		}
	}
	return nil
}

// ReconcileOnBoot performs the boot-time integrity check and
// orphan-event reconciliation. It must run once, before any other
// store operation, immediately after Open.
func (s *Store) ReconcileOnBoot(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	var dirty int
	if err := s.db.QueryRowContext(ctx, `SELECT dirty FROM boot_sentinel WHERE id = 1`).Scan(&dirty); err != nil {
		return report, fmt.Errorf("store: read sentinel: %w", err)
	}
	report.WasUnclean = dirty != 0

	var integrityResult string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&integrityResult); err != nil {
		return report, fmt.Errorf("store: integrity check: %w", err)
	}
	report.IntegrityOK = integrityResult == "ok"
	if !report.IntegrityOK {
		report.Quarantined = true
		// The file is not renamed or replaced: the store stays open on
		// it, and event reconciliation, the cursor clamp and the dirty
		// mark are all skipped.
		return report, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, start_ts_ms, video_path FROM events WHERE end_ts_ms IS NULL`)
	if err != nil {
		return report, fmt.Errorf("store: enumerate open events: %w", err)
	}
	type orphan struct {
		id        int64
		startMs   int64
		videoPath sql.NullString
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.startMs, &o.videoPath); err != nil {
			rows.Close()
			return report, fmt.Errorf("store: scan open event: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	for _, o := range orphans {
		end := time.UnixMilli(o.startMs).UTC().Add(reconcileEndEpsilon)
		if o.videoPath.Valid {
			if fi, statErr := statMtime(o.videoPath.String); statErr == nil {
				end = fi
			}
		}
		if err := s.CloseEvent(ctx, o.id, end, true); err != nil {
			return report, fmt.Errorf("store: reconcile event %d: %w", o.id, err)
		}
		report.EventsClosed++
	}

	var maxID int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM readings`).Scan(&maxID); err != nil {
		return report, fmt.Errorf("store: max reading id: %w", err)
	}
	cur, err := s.Cursor(ctx)
	if err != nil {
		return report, err
	}
	if cur > maxID {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE cursor SET last_acknowledged_reading_id = ? WHERE id = 1`, maxID); err != nil {
			return report, fmt.Errorf("store: clamp cursor: %w", err)
		}
		report.CursorClamped = true
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE boot_sentinel SET dirty = 1 WHERE id = 1`); err != nil {
		return report, fmt.Errorf("store: mark dirty: %w", err)
	}

	return report, nil
}

// reconcileEndEpsilon is the fallback duration added to an orphaned
// event's start timestamp when no saved clip is available to backdate
// its end from.
const reconcileEndEpsilon = 250 * time.Millisecond

// statMtime returns the modification time of a file, used to backdate an
// orphaned event's end timestamp to its associated segment's mtime,
// falling back to start+epsilon when no segment is available.
func statMtime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime().UTC(), nil
}
