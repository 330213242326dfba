package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionproof/internal/domain"
)

// LedgerEntry records that a change-feed write was applied to an aggregate.
type LedgerEntry struct {
	WriteID      int64
	CompletionID string
	MissionID    string
	TaskID       string
	Delta        int
	Counted      bool
	AppliedAt    string
}

func (r Repo) GetAggregate(ctx context.Context, q Queryer, missionID string) (domain.MissionAggregate, error) {
	var a domain.MissionAggregate
	var counts string
	var winners sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT mission_id,task_counts_json,total_completions,winners_per_task,task_count,updated_at FROM mission_aggregates WHERE mission_id=?`, missionID).
		Scan(&a.MissionID, &counts, &a.TotalCompletions, &winners, &a.TaskCount, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if winners.Valid {
		w := int(winners.Int64)
		a.WinnersPerTask = &w
	}
	a.TaskCounts = map[string]int{}
	if counts != "" {
		if err := json.Unmarshal([]byte(counts), &a.TaskCounts); err != nil {
			return a, fmt.Errorf("decode task counts for %s: %w", missionID, err)
		}
	}
	return a, nil
}

func (r Repo) UpsertAggregateTx(ctx context.Context, tx *sql.Tx, a domain.MissionAggregate) error {
	if a.TaskCounts == nil {
		a.TaskCounts = map[string]int{}
	}
	counts, err := json.Marshal(a.TaskCounts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO mission_aggregates(mission_id,task_counts_json,total_completions,winners_per_task,task_count,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(mission_id) DO UPDATE SET task_counts_json=excluded.task_counts_json, total_completions=excluded.total_completions,
  winners_per_task=excluded.winners_per_task, task_count=excluded.task_count, updated_at=excluded.updated_at`,
		a.MissionID, string(counts), a.TotalCompletions, nullableIntPtr(a.WinnersPerTask), a.TaskCount, a.UpdatedAt)
	return err
}

// LedgerHasWrite reports whether a change-feed write was already applied.
func (r Repo) LedgerHasWrite(ctx context.Context, tx *sql.Tx, writeID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM aggregate_ledger WHERE write_id=?`, writeID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertLedgerTx(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	counted := 0
	if e.Counted {
		counted = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO aggregate_ledger(write_id,completion_id,mission_id,task_id,delta,counted,applied_at) VALUES (?,?,?,?,?,?,?)`,
		e.WriteID, e.CompletionID, e.MissionID, e.TaskID, e.Delta, counted, e.AppliedAt)
	return err
}

// LastIncrementCounted reports whether the most recent +1 recorded for a
// completion was counted. found is false when no increment was recorded.
func (r Repo) LastIncrementCounted(ctx context.Context, tx *sql.Tx, completionID string) (counted, found bool, err error) {
	var c int
	err = tx.QueryRowContext(ctx, `SELECT counted FROM aggregate_ledger WHERE completion_id=? AND delta>0 ORDER BY write_id DESC LIMIT 1`, completionID).Scan(&c)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return c == 1, true, nil
}
