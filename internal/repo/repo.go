package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionproof/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrBusy is returned when a transaction keeps losing the database lock.
var ErrBusy = errors.New("store busy")

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	maxTxAttempts = 8
	baseTxBackoff = 5 * time.Millisecond
)

// RunTx runs fn inside a transaction and commits it. Lock conflicts are retried
// with backoff; fn must therefore be safe to run more than once.
func (r Repo) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		lastErr = r.runTxOnce(ctx, fn)
		if lastErr == nil || !IsBusy(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseTxBackoff << attempt):
		}
	}
	return fmt.Errorf("%w: %v", ErrBusy, lastErr)
}

func (r Repo) runTxOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsBusy reports whether err is a SQLite lock conflict.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "sqlite_locked") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (r Repo) UpsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	if m.CreatedAt == "" {
		m.CreatedAt = domain.FormatTime(time.Now())
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO missions(id,type,winners_per_task,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET type=excluded.type, winners_per_task=excluded.winners_per_task`,
		m.ID, m.Type, nullableIntPtr(m.WinnersPerTask), m.CreatedAt); err != nil {
		return fmt.Errorf("upsert mission %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mission_tasks WHERE mission_id=?`, m.ID); err != nil {
		return err
	}
	for i, t := range m.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mission_tasks(mission_id,task_id,verification_method,platform,position) VALUES (?,?,?,?,?)`,
			m.ID, t.ID, string(t.VerificationMethod), nullable(t.Platform), i); err != nil {
			return fmt.Errorf("insert mission task %s/%s: %w", m.ID, t.ID, err)
		}
	}
	return nil
}

func (r Repo) UpsertMission(ctx context.Context, m domain.Mission) error {
	return r.RunTx(ctx, func(tx *sql.Tx) error {
		return r.UpsertMissionTx(ctx, tx, m)
	})
}

// GetMission loads a mission and its ordered tasks.
func (r Repo) GetMission(ctx context.Context, q Queryer, id string) (domain.Mission, error) {
	var m domain.Mission
	var winners sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT id,type,winners_per_task,created_at FROM missions WHERE id=?`, id).
		Scan(&m.ID, &m.Type, &winners, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if winners.Valid {
		w := int(winners.Int64)
		m.WinnersPerTask = &w
	}
	rows, err := q.QueryContext(ctx, `SELECT task_id,verification_method,COALESCE(platform,'') FROM mission_tasks WHERE mission_id=? ORDER BY position ASC`, id)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.MissionTask
		var method string
		if err := rows.Scan(&t.ID, &method, &t.Platform); err != nil {
			return m, err
		}
		t.VerificationMethod = domain.VerificationMethod(method)
		m.Tasks = append(m.Tasks, t)
	}
	return m, rows.Err()
}

func (r Repo) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM missions ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.Mission, 0, len(ids))
	for _, id := range ids {
		m, err := r.GetMission(ctx, r.DB, id)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
