package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionproof/internal/domain"
)

// RawCompletionWrite is a change-feed row before payload decoding.
type RawCompletionWrite struct {
	ID           int64
	CompletionID string
	TS           string
	Payload      string
}

// AppendCompletionWriteTx records a completion write in the change feed. It
// must run in the transaction that performed the write.
func (r Repo) AppendCompletionWriteTx(ctx context.Context, tx *sql.Tx, before, after *domain.TaskCompletion, ts string) (int64, error) {
	if after == nil {
		return 0, fmt.Errorf("completion write requires an after image")
	}
	payload, err := json.Marshal(domain.CompletionWrite{
		Version:      domain.CompletionWriteVersion,
		CompletionID: after.ID,
		TS:           ts,
		Before:       before,
		After:        after,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal completion write: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO completion_writes(completion_id,ts,payload_json) VALUES (?,?,?)`, after.ID, ts, string(payload))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CompletionWritesAfter returns change-feed rows with IDs greater than the
// cursor in ascending order.
func (r Repo) CompletionWritesAfter(ctx context.Context, cursor int64, limit int) ([]RawCompletionWrite, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,completion_id,ts,payload_json FROM completion_writes WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RawCompletionWrite
	for rows.Next() {
		var w RawCompletionWrite
		if err := rows.Scan(&w.ID, &w.CompletionID, &w.TS, &w.Payload); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// LatestCompletionWriteID returns the newest change-feed ID.
func (r Repo) LatestCompletionWriteID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM completion_writes`).Scan(&id)
	return id, err
}

// GetCursor returns a trigger subscription cursor, zero if never saved.
func (r Repo) GetCursor(ctx context.Context, name string) (int64, error) {
	var cur int64
	err := r.DB.QueryRowContext(ctx, `SELECT cursor FROM trigger_cursors WHERE name=?`, name).Scan(&cur)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cur, err
}

func (r Repo) SetCursor(ctx context.Context, name string, cursor int64) error {
	now := domain.FormatTime(time.Now())
	_, err := r.DB.ExecContext(ctx, `INSERT INTO trigger_cursors(name,cursor,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET cursor=MAX(trigger_cursors.cursor, excluded.cursor), updated_at=excluded.updated_at`, name, cursor, now)
	return err
}
