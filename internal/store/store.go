// Package store persists reference-image records and the guide log in the
// observatory MySQL database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/telescope-ops/donutsbridge/internal/guide"
)

// RefKey is the observing configuration a reference image is valid for. Any
// change to any field invalidates the current reference.
type RefKey struct {
	Field      string
	Filter     string
	XBin       int
	YBin       int
	XSize      int
	YSize      int
	XOrigin    int
	YOrigin    int
	FlipStatus int
}

// LogEntry is one row of the guide log as read back by the admin tools.
type LogEntry struct {
	ID             int64
	RefPath        string
	TargetPath     string
	Stabilised     bool
	RawX, RawY     float64
	FinalX, FinalY float64
	CulledOversize bool
	CulledOutlier  bool
	Timestamp      time.Time
}

// Store wraps the MySQL connection for both tables.
type Store struct {
	db *sql.DB
}

// Open connects to the database and verifies the link.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the path of the active reference image for key, if any.
// Active means valid_from is in the past and valid_until is unset.
func (s *Store) Lookup(ctx context.Context, key RefKey) (string, bool, error) {
	const q = `
		SELECT ref_image_path
		FROM autoguider_ref
		WHERE field = ? AND filter = ?
		AND xbin = ? AND ybin = ?
		AND xsize = ? AND ysize = ?
		AND xorigin = ? AND yorigin = ?
		AND flip_status = ?
		AND valid_from < UTC_TIMESTAMP()
		AND valid_until IS NULL`
	var path string
	err := s.db.QueryRowContext(ctx, q,
		key.Field, key.Filter, key.XBin, key.YBin,
		key.XSize, key.YSize, key.XOrigin, key.YOrigin,
		key.FlipStatus).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup reference: %w", err)
	}
	return path, true, nil
}

// Insert registers path as the new active reference for key. Retirement of
// older records is strictly an admin action; Insert never touches
// valid_until.
func (s *Store) Insert(ctx context.Context, key RefKey, path string) error {
	const q = `
		INSERT INTO autoguider_ref
		(ref_image_path, field, filter, xbin, ybin, xsize, ysize,
		 xorigin, yorigin, flip_status, valid_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP())`
	if _, err := s.db.ExecContext(ctx, q,
		path, key.Field, key.Filter, key.XBin, key.YBin,
		key.XSize, key.YSize, key.XOrigin, key.YOrigin,
		key.FlipStatus); err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}
	return nil
}

// Retire closes the active reference record for key by stamping
// valid_until. Returns the number of records retired.
func (s *Store) Retire(ctx context.Context, key RefKey) (int64, error) {
	const q = `
		UPDATE autoguider_ref
		SET valid_until = UTC_TIMESTAMP()
		WHERE field = ? AND filter = ?
		AND xbin = ? AND ybin = ?
		AND xsize = ? AND ysize = ?
		AND xorigin = ? AND yorigin = ?
		AND flip_status = ?
		AND valid_until IS NULL`
	res, err := s.db.ExecContext(ctx, q,
		key.Field, key.Filter, key.XBin, key.YBin,
		key.XSize, key.YSize, key.XOrigin, key.YOrigin,
		key.FlipStatus)
	if err != nil {
		return 0, fmt.Errorf("retire reference: %w", err)
	}
	return res.RowsAffected()
}

// RetireAll closes every active reference record.
func (s *Store) RetireAll(ctx context.Context) (int64, error) {
	const q = `
		UPDATE autoguider_ref
		SET valid_until = UTC_TIMESTAMP()
		WHERE valid_until IS NULL`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("retire references: %w", err)
	}
	return res.RowsAffected()
}

// insertLog writes one correction record. Called by the log sink's writer
// goroutine only.
func (s *Store) insertLog(ctx context.Context, rec *guide.Record) error {
	const q = `
		INSERT INTO autoguider_log
		(ref_image_path, comp_image_path, stabilised, shift_x, shift_y,
		 pre_pid_x, pre_pid_y, post_pid_x, post_pid_y, final_x, final_y,
		 std_buff_x, std_buff_y, culled_oversize, culled_outlier, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		rec.RefPath, rec.TargetPath, rec.Stabilised,
		rec.RawX, rec.RawY,
		rec.PrePIDX, rec.PrePIDY,
		rec.PostPIDX, rec.PostPIDY,
		rec.FinalX, rec.FinalY,
		rec.BuffSigmaX, rec.BuffSigmaY,
		rec.CulledOversize, rec.CulledOutlier,
		rec.Timestamp); err != nil {
		return fmt.Errorf("insert guide log: %w", err)
	}
	return nil
}

// RecentLogs returns the latest guide-log rows, newest first.
func (s *Store) RecentLogs(ctx context.Context, limit int, since time.Time) ([]LogEntry, error) {
	const q = `
		SELECT id, ref_image_path, comp_image_path, stabilised,
		       shift_x, shift_y, final_x, final_y,
		       culled_oversize, culled_outlier, logged_at
		FROM autoguider_log
		WHERE logged_at >= ?
		ORDER BY logged_at DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query guide log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.RefPath, &e.TargetPath, &e.Stabilised,
			&e.RawX, &e.RawY, &e.FinalX, &e.FinalY,
			&e.CulledOversize, &e.CulledOutlier, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan guide log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
