package repo

import (
	"context"
	"database/sql"
	"strings"

	"missionproof/internal/domain"
)

const completionColumns = `id,mission_id,task_id,user_id,status,verification_method,submission_url,submission_platform,submitter_handle,created_at,completed_at,verified_at,flagged_at,updated_at,flagged_reason,reviewer_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompletion(row rowScanner) (domain.TaskCompletion, error) {
	var c domain.TaskCompletion
	var status, method string
	var url, platform, handle, verifiedAt, flaggedAt, reason, reviewer sql.NullString
	err := row.Scan(&c.ID, &c.MissionID, &c.TaskID, &c.UserID, &status, &method, &url, &platform, &handle,
		&c.CreatedAt, &c.CompletedAt, &verifiedAt, &flaggedAt, &c.UpdatedAt, &reason, &reviewer)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.CompletionStatus(status)
	c.VerificationMethod = domain.VerificationMethod(method)
	c.SubmissionURL = url.String
	c.SubmissionPlatform = platform.String
	c.SubmitterHandle = handle.String
	c.VerifiedAt = stringPtr(verifiedAt)
	c.FlaggedAt = stringPtr(flaggedAt)
	c.FlaggedReason = stringPtr(reason)
	c.ReviewerID = stringPtr(reviewer)
	return c, nil
}

func (r Repo) InsertCompletionTx(ctx context.Context, tx *sql.Tx, c domain.TaskCompletion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_completions(`+completionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.MissionID, c.TaskID, c.UserID, string(c.Status), string(c.VerificationMethod),
		nullable(c.SubmissionURL), nullable(c.SubmissionPlatform), nullable(c.SubmitterHandle),
		c.CreatedAt, c.CompletedAt, nullableStringPtr(c.VerifiedAt), nullableStringPtr(c.FlaggedAt), c.UpdatedAt,
		nullableStringPtr(c.FlaggedReason), nullableStringPtr(c.ReviewerID))
	return err
}

// UpdateCompletionReviewTx writes the reviewer-mutable fields of a completion.
func (r Repo) UpdateCompletionReviewTx(ctx context.Context, tx *sql.Tx, c domain.TaskCompletion) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_completions SET status=?, verified_at=?, flagged_at=?, updated_at=?, flagged_reason=?, reviewer_id=? WHERE id=?`,
		string(c.Status), nullableStringPtr(c.VerifiedAt), nullableStringPtr(c.FlaggedAt), c.UpdatedAt,
		nullableStringPtr(c.FlaggedReason), nullableStringPtr(c.ReviewerID), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCompletion(ctx context.Context, q Queryer, id string) (domain.TaskCompletion, error) {
	return scanCompletion(q.QueryRowContext(ctx, `SELECT `+completionColumns+` FROM task_completions WHERE id=?`, id))
}

// LatestCompletion returns the current record for a (mission, task, user)
// key: the latest by created_at, insertion order breaking ties.
func (r Repo) LatestCompletion(ctx context.Context, q Queryer, missionID, taskID, userID string) (domain.TaskCompletion, error) {
	return scanCompletion(q.QueryRowContext(ctx, `SELECT `+completionColumns+` FROM task_completions
WHERE mission_id=? AND task_id=? AND user_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, missionID, taskID, userID))
}

// HasFlaggedCompletion reports whether any record for the key was ever flagged.
func (r Repo) HasFlaggedCompletion(ctx context.Context, q Queryer, missionID, taskID, userID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM task_completions WHERE mission_id=? AND task_id=? AND user_id=? AND (status='flagged' OR flagged_at IS NOT NULL) LIMIT 1`,
		missionID, taskID, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type CompletionFilters struct {
	MissionID string
	TaskID    string
	UserID    string
	Status    string
	Method    string
	Limit     int
}

func (r Repo) ListCompletions(ctx context.Context, f CompletionFilters) ([]domain.TaskCompletion, error) {
	var clauses []string
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Method != "" {
		clauses = append(clauses, "verification_method=?")
		args = append(args, f.Method)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + completionColumns + ` FROM task_completions ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryCompletions(ctx, r.DB, query, args...)
}

// VerifiedTaskIDs returns the raw task ids of every verified record a user
// holds in a mission, redo history included.
func (r Repo) VerifiedTaskIDs(ctx context.Context, q Queryer, missionID, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id FROM task_completions WHERE mission_id=? AND user_id=? AND status='verified'`, missionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecentLinkSubmissions returns current, pending, link-mode records that carry
// a validated submission, newest first.
func (r Repo) RecentLinkSubmissions(ctx context.Context, limit int) ([]domain.TaskCompletion, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryCompletions(ctx, r.DB, `SELECT `+completionColumns+` FROM task_completions c
WHERE c.verification_method='link' AND c.status='pending' AND c.submission_url IS NOT NULL
  AND NOT EXISTS (
    SELECT 1 FROM task_completions n
    WHERE n.mission_id=c.mission_id AND n.task_id=c.task_id AND n.user_id=c.user_id
      AND (n.created_at > c.created_at OR (n.created_at = c.created_at AND n.rowid > c.rowid))
  )
ORDER BY c.created_at DESC, c.rowid DESC LIMIT ?`, limit)
}

func (r Repo) queryCompletions(ctx context.Context, q Queryer, query string, args ...any) ([]domain.TaskCompletion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskCompletion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
