package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryable is the subset of pgxpool.Pool and pgx.Tx the repository uses.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type sessionRepoPG struct {
	db queryable
}

// NewPGRepository stores snapshots in the review_sessions table.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &sessionRepoPG{db: pool}
}

func (r *sessionRepoPG) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT snapshot FROM review_sessions WHERE session_id = $1`, sessionID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load review session: %w", err)
	}
	return decodeSnapshot(raw)
}

func (r *sessionRepoPG) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode review session: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO review_sessions (session_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE
		SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		sessionID, raw,
	)
	if err != nil {
		return fmt.Errorf("save review session: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM review_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete review session: %w", err)
	}
	return nil
}

func decodeSnapshot(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode review session: %w", err)
	}
	if snap.Annotations == nil {
		snap.Annotations = make(map[string][]Annotation)
	}
	if snap.Diagnoses == nil {
		snap.Diagnoses = make(map[string]Diagnosis)
	}
	return &snap, nil
}
