package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"missionproof/internal/domain"
)

// NormalizeHandle strips a leading @ and lowercases an account handle.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

func (r Repo) UpsertProfile(ctx context.Context, userID, platform, handle string) (domain.AccountProfile, error) {
	var p domain.AccountProfile
	err := r.RunTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = r.UpsertProfileTx(ctx, tx, userID, platform, handle)
		return err
	})
	return p, err
}

func (r Repo) UpsertProfileTx(ctx context.Context, tx *sql.Tx, userID, platform, handle string) (domain.AccountProfile, error) {
	now := domain.FormatTime(time.Now())
	if err := r.EnsureActor(ctx, tx, userID, now); err != nil {
		return domain.AccountProfile{}, err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO account_profiles(user_id, platform, handle, updated_at)
VALUES (?,?,?,?)
ON CONFLICT(user_id, platform) DO UPDATE SET handle=excluded.handle, updated_at=excluded.updated_at`,
		userID, platform, NormalizeHandle(handle), now)
	if err != nil {
		return domain.AccountProfile{}, err
	}
	return r.GetProfile(ctx, tx, userID, platform)
}

func (r Repo) GetProfile(ctx context.Context, q Queryer, userID, platform string) (domain.AccountProfile, error) {
	var p domain.AccountProfile
	err := q.QueryRowContext(ctx, `SELECT user_id, platform, handle, updated_at FROM account_profiles WHERE user_id=? AND platform=?`,
		userID, platform).Scan(&p.UserID, &p.Platform, &p.Handle, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProfiles(ctx context.Context, userID string) ([]domain.AccountProfile, error) {
	query := `SELECT user_id, platform, handle, updated_at FROM account_profiles`
	var args []any
	if userID != "" {
		query += " WHERE user_id=?"
		args = append(args, userID)
	}
	query += " ORDER BY user_id ASC, platform ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccountProfile
	for rows.Next() {
		var p domain.AccountProfile
		if err := rows.Scan(&p.UserID, &p.Platform, &p.Handle, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProfile(ctx context.Context, userID, platform string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM account_profiles WHERE user_id=? AND platform=?`, userID, platform)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
