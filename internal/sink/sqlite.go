package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kinetrace/internal/telemetry"
)

// SQLiteStore persists submissions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and migrates it to the
// latest schema. Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Submit inserts one submission.
func (s *SQLiteStore) Submit(ctx context.Context, sub Submission) error {
	r := sub.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (session_id, submitted_at_ns,
			mouse_average_velocity, mouse_average_acceleration, mouse_total_movement,
			average_dwell_time, average_typing_speed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.SessionID, sub.SubmittedAt.UnixNano(),
		r.MouseAverageVelocity, r.MouseAverageAcceleration, r.MouseTotalMovement,
		r.AverageDwellTime, r.AverageTypingSpeed,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// List returns up to limit submissions, newest first. limit <= 0 returns all.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Submission, error) {
	query := `
		SELECT session_id, submitted_at_ns,
			mouse_average_velocity, mouse_average_acceleration, mouse_total_movement,
			average_dwell_time, average_typing_speed
		FROM submissions ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var (
			sub Submission
			ns  int64
			r   telemetry.Record
		)
		if err := rows.Scan(&sub.SessionID, &ns,
			&r.MouseAverageVelocity, &r.MouseAverageAcceleration, &r.MouseTotalMovement,
			&r.AverageDwellTime, &r.AverageTypingSpeed); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.SubmittedAt = time.Unix(0, ns).UTC()
		sub.Record = r
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Count returns the number of stored submissions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
