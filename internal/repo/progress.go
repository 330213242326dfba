package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionproof/internal/domain"
)

func (r Repo) GetProgress(ctx context.Context, q Queryer, missionID, userID string) (domain.MissionProgress, error) {
	var p domain.MissionProgress
	var ids string
	var completed int
	var completedAt sql.NullString
	err := q.QueryRowContext(ctx, `SELECT mission_id,user_id,verified_task_ids_json,verified_count,total_tasks,mission_completed,completed_at,updated_at
FROM mission_progress WHERE mission_id=? AND user_id=?`, missionID, userID).
		Scan(&p.MissionID, &p.UserID, &ids, &p.VerifiedCount, &p.TotalTasks, &completed, &completedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.MissionCompleted = completed == 1
	p.CompletedAt = stringPtr(completedAt)
	if ids != "" {
		if err := json.Unmarshal([]byte(ids), &p.VerifiedTaskIDs); err != nil {
			return p, fmt.Errorf("decode verified task ids for %s/%s: %w", missionID, userID, err)
		}
	}
	return p, nil
}

// UpsertProgressTx merges a recomputed summary. An existing completed_at is
// never overwritten.
func (r Repo) UpsertProgressTx(ctx context.Context, tx *sql.Tx, p domain.MissionProgress) error {
	ids := p.VerifiedTaskIDs
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	completed := 0
	if p.MissionCompleted {
		completed = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO mission_progress(mission_id,user_id,verified_task_ids_json,verified_count,total_tasks,mission_completed,completed_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(mission_id,user_id) DO UPDATE SET verified_task_ids_json=excluded.verified_task_ids_json,
  verified_count=excluded.verified_count, total_tasks=excluded.total_tasks, mission_completed=excluded.mission_completed,
  completed_at=COALESCE(mission_progress.completed_at, excluded.completed_at), updated_at=excluded.updated_at`,
		p.MissionID, p.UserID, string(payload), p.VerifiedCount, p.TotalTasks, completed, nullableStringPtr(p.CompletedAt), p.UpdatedAt)
	return err
}
