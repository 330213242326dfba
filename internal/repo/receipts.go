package repo

import (
	"context"
	"database/sql"

	"missionproof/internal/domain"
)

// ReceiptExists checks only for existence; the receipt content is irrelevant.
func (r Repo) ReceiptExists(ctx context.Context, q Queryer, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM review_receipts WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// InsertReceiptTx stores a receipt and reports false if one already existed.
func (r Repo) InsertReceiptTx(ctx context.Context, tx *sql.Tx, rc domain.ReviewReceipt) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO review_receipts(id,participation_id,task_id,submitter_id,reviewer_id,completion_id,decision,created_at)
VALUES (?,?,?,?,?,?,?,?)`, rc.ID, rc.ParticipationID, rc.TaskID, rc.SubmitterID, rc.ReviewerID, rc.CompletionID, string(rc.Decision), rc.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListReceiptsByReviewer(ctx context.Context, reviewerID string, limit int) ([]domain.ReviewReceipt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,participation_id,task_id,submitter_id,reviewer_id,completion_id,decision,created_at
FROM review_receipts WHERE reviewer_id=? ORDER BY created_at DESC LIMIT ?`, reviewerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewReceipt
	for rows.Next() {
		var rc domain.ReviewReceipt
		var decision string
		if err := rows.Scan(&rc.ID, &rc.ParticipationID, &rc.TaskID, &rc.SubmitterID, &rc.ReviewerID, &rc.CompletionID, &decision, &rc.CreatedAt); err != nil {
			return nil, err
		}
		rc.Decision = domain.ReviewDecision(decision)
		res = append(res, rc)
	}
	return res, rows.Err()
}
