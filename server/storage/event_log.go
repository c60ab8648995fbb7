package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/helmet-detect/server/models"
	_ "modernc.org/sqlite"
)

// EventLog keeps one row per persisted violation in SQLite.
type EventLog struct {
	db *sql.DB
}

func NewEventLog(path string) (*EventLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &EventLog{db: db}
	if err := l.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *EventLog) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS violations (
			id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			source TEXT NOT NULL,
			helmet_count INTEGER NOT NULL DEFAULT 0,
			no_helmet_count INTEGER NOT NULL DEFAULT 0,
			max_confidence REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_created ON violations(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := l.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (l *EventLog) Append(ctx context.Context, rec models.ViolationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `INSERT INTO violations
		(id, file_name, source, helmet_count, no_helmet_count, max_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FileName, string(rec.Source), rec.HelmetCount, rec.NoHelmetCount,
		rec.MaxConfidence, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// List returns the most recent violations first. limit <= 0 means 50.
func (l *EventLog) List(ctx context.Context, limit int) ([]models.ViolationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `SELECT id, file_name, source, helmet_count, no_helmet_count,
		max_confidence, created_at FROM violations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	records := []models.ViolationRecord{}
	for rows.Next() {
		var (
			rec    models.ViolationRecord
			source string
			millis int64
		)
		if err := rows.Scan(&rec.ID, &rec.FileName, &source, &rec.HelmetCount, &rec.NoHelmetCount,
			&rec.MaxConfidence, &millis); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		rec.Source = models.ViolationSource(source)
		rec.CreatedAt = time.UnixMilli(millis)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (l *EventLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM violations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return n, nil
}

func (l *EventLog) Close() error {
	return l.db.Close()
}
