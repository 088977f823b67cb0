// Package db persists actuator commands and periodic lane snapshots to
// SQLite so traffic history can be inspected after the fact.
package db

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/signal.control/internal/monitoring"
)

var logf = monitoring.Prefixed("db")

type DB struct {
	*sql.DB
}

// OpenDB opens the database at path and applies connection pragmas. It does
// not touch the schema; see NewDB.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer avoids SQLITE_BUSY between the recorder and command hooks
	sqlDB.SetMaxOpenConns(1)
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the database and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// CommandRecord is one actuator command and how its send went.
type CommandRecord struct {
	ID           string
	Intersection string
	// Kind is "signal" or "mode".
	Kind     string
	Unit     string
	Color    string
	Mode     string
	IssuedAt time.Time
	Duration time.Duration
	// Error is empty when the send succeeded.
	Error string
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordCommand stores rec. Recording the same command id twice keeps the
// latest outcome.
func (db *DB) RecordCommand(rec CommandRecord) error {
	_, err := db.Exec(`
		INSERT INTO signal_commands (command_id, intersection, kind, unit, color, mode, issued_unix, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET duration_ms = excluded.duration_ms, error = excluded.error`,
		rec.ID, rec.Intersection, rec.Kind,
		nullable(rec.Unit), nullable(rec.Color), nullable(rec.Mode),
		unixSeconds(rec.IssuedAt), float64(rec.Duration)/float64(time.Millisecond), nullable(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("record command %s: %w", rec.ID, err)
	}
	return nil
}

// RecentCommands returns up to limit commands for intersection, newest first.
func (db *DB) RecentCommands(intersection string, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT command_id, intersection, kind, unit, color, mode, issued_unix, duration_ms, error
		FROM signal_commands
		WHERE intersection = ?
		ORDER BY issued_unix DESC, rowid DESC
		LIMIT ?`, intersection, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			rec                    CommandRecord
			unit, color, mode, msg sql.NullString
			issued, durMs          float64
		)
		if err := rows.Scan(&rec.ID, &rec.Intersection, &rec.Kind, &unit, &color, &mode, &issued, &durMs, &msg); err != nil {
			return nil, err
		}
		rec.Unit, rec.Color, rec.Mode, rec.Error = unit.String, color.String, mode.String, msg.String
		rec.IssuedAt = fromUnixSeconds(issued)
		rec.Duration = time.Duration(durMs * float64(time.Millisecond))
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LaneSample is one lane row of a snapshot.
type LaneSample struct {
	Lane      string
	Direction string
	Signal    string
	Count     int
	Occupied  bool
}

// RecordSnapshot stores one point-in-time view of an intersection's lanes in
// a single transaction.
func (db *DB) RecordSnapshot(intersection string, at time.Time, lanes []LaneSample) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO lane_snapshots (intersection, lane, direction, signal, count, occupied, taken_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := unixSeconds(at)
	for _, l := range lanes {
		if _, err := stmt.Exec(intersection, l.Lane, l.Direction, l.Signal, l.Count, l.Occupied, ts); err != nil {
			return fmt.Errorf("record snapshot %s/%s: %w", intersection, l.Lane, err)
		}
	}
	return tx.Commit()
}

// CountSample is a recorded lane count at a point in time.
type CountSample struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

// RecentCounts returns a lane's recorded counts since the given time, oldest
// first.
func (db *DB) RecentCounts(intersection, lane string, since time.Time) ([]CountSample, error) {
	rows, err := db.Query(`
		SELECT taken_unix, count FROM lane_snapshots
		WHERE intersection = ? AND lane = ? AND taken_unix >= ?
		ORDER BY taken_unix ASC`, intersection, lane, unixSeconds(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CountSample
	for rows.Next() {
		var ts float64
		var s CountSample
		if err := rows.Scan(&ts, &s.Count); err != nil {
			return nil, err
		}
		s.At = fromUnixSeconds(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountStats summarises recorded counts of one lane.
type CountStats struct {
	Samples  int     `json:"samples"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
	Max      int     `json:"max"`
	Occupied float64 `json:"occupied_fraction"`
}

// LaneCountStats summarises a lane's snapshots since the given time. With no
// samples every field is zero.
func (db *DB) LaneCountStats(intersection, lane string, since time.Time) (CountStats, error) {
	rows, err := db.Query(`
		SELECT count, occupied FROM lane_snapshots
		WHERE intersection = ? AND lane = ? AND taken_unix >= ?`, intersection, lane, unixSeconds(since))
	if err != nil {
		return CountStats{}, err
	}
	defer rows.Close()

	var counts, occupied []float64
	peak := 0
	for rows.Next() {
		var c int
		var occ bool
		if err := rows.Scan(&c, &occ); err != nil {
			return CountStats{}, err
		}
		counts = append(counts, float64(c))
		if occ {
			occupied = append(occupied, 1)
		} else {
			occupied = append(occupied, 0)
		}
		if c > peak {
			peak = c
		}
	}
	if err := rows.Err(); err != nil {
		return CountStats{}, err
	}
	if len(counts) == 0 {
		return CountStats{}, nil
	}

	mean, std := stat.MeanStdDev(counts, nil)
	if len(counts) == 1 {
		std = 0
	}
	return CountStats{
		Samples:  len(counts),
		Mean:     mean,
		StdDev:   std,
		Max:      peak,
		Occupied: stat.Mean(occupied, nil),
	}, nil
}

// Prune deletes snapshots and command records older than before and returns
// how many rows went.
func (db *DB) Prune(before time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM lane_snapshots WHERE taken_unix < ?`,
		`DELETE FROM signal_commands WHERE issued_unix < ?`,
	} {
		res, err := db.Exec(q, unixSeconds(before))
		if err != nil {
			return total, fmt.Errorf("failed to prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
