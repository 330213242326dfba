package auth

import (
	"context"
	"database/sql"
	"fmt"

	"missionproof/internal/repo"
)

// Permissions granted through roles.
const (
	PermReview        = "completion.review"
	PermMissionImport = "mission.import"
	PermAPIKeyManage  = "apikey.manage"
	PermRBACManage    = "rbac.manage"
)

// ForbiddenError indicates missing permission. Reason is set when the actor
// holds the permission but the operation is still refused.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission %s denied: %s", e.Permission, e.Reason)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) queryer(q repo.Queryer) repo.Queryer {
	if q == nil {
		return s.DB
	}
	return q
}

func (s Service) ActorHasPermission(ctx context.Context, q repo.Queryer, actorID, perm string) (bool, error) {
	row := s.queryer(q).QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless the actor holds perm.
func (s Service) Require(ctx context.Context, q repo.Queryer, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, q, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, q repo.Queryer, actorID string) ([]string, error) {
	return s.strings(ctx, q, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, q repo.Queryer, actorID string) ([]string, error) {
	return s.strings(ctx, q, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? ORDER BY rp.permission_id`, actorID)
}

func (s Service) strings(ctx context.Context, q repo.Queryer, query string, args ...any) ([]string, error) {
	rows, err := s.queryer(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
