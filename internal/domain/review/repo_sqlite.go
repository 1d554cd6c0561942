package review

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteRepository stores snapshots in a local SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// database/sql would otherwise open several connections to one file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping satisfies db.Pinger for the health endpoint.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		"SELECT snapshot FROM review_sessions WHERE session_id = ?", sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load review session: %w", err)
	}
	return decodeSnapshot([]byte(raw))
}

func (r *SQLiteRepository) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode review session: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO review_sessions (session_id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		sessionID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save review session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM review_sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete review session: %w", err)
	}
	return nil
}
