package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward step of the submissions schema.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations are applied in order; never edit one that has shipped.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Submissions table",
		Up: `
CREATE TABLE IF NOT EXISTS submissions (
    id                          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id                  TEXT NOT NULL,
    submitted_at_ns             INTEGER NOT NULL,
    mouse_average_velocity      TEXT NOT NULL,
    mouse_average_acceleration  TEXT NOT NULL,
    mouse_total_movement        TEXT NOT NULL,
    average_dwell_time          TEXT NOT NULL,
    average_typing_speed        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_session ON submissions(session_id);`,
	},
	{
		Version:     2,
		Description: "Index submissions by time",
		Up:          `CREATE INDEX IF NOT EXISTS idx_submissions_time ON submissions(submitted_at_ns);`,
	},
}

// LatestSchemaVersion is the version a freshly opened store reaches.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// migrate applies every pending migration, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
