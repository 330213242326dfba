package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"missionproof/internal/config"
	"missionproof/internal/domain"
	"missionproof/internal/events"
	"missionproof/internal/repo"
	"missionproof/internal/submission"
)

// ImportMissions seeds the catalog. Existing missions are replaced.
func (e Engine) ImportMissions(ctx context.Context, missions []domain.Mission, actorID string) error {
	return storeErr(e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		now := domain.FormatTime(e.now())
		for _, m := range missions {
			if m.CreatedAt == "" {
				m.CreatedAt = now
			}
			if err := e.Repo.UpsertMissionTx(ctx, tx, m); err != nil {
				return err
			}
			if err := e.events().Append(ctx, tx, events.MissionImported, m.ID, "mission", m.ID, actorID, events.EventPayload{
				"tasks": m.TaskIDs(), "winners_per_task": m.WinnersPerTask,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

// SyncConfig imports the configured missions and role catalog.
func (e Engine) SyncConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	missions := make([]domain.Mission, 0, len(cfg.Missions))
	for _, m := range cfg.Missions {
		missions = append(missions, m.Mission())
	}
	if err := e.ImportMissions(ctx, missions, actorID); err != nil {
		return err
	}
	return storeErr(e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.SyncRolesTx(ctx, tx, cfg.RBAC.Roles)
	}))
}

// GrantRole assigns a role to an actor, creating the actor if needed.
func (e Engine) GrantRole(ctx context.Context, actorID, roleID string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(roleID) == "" {
		return invalidInput("actor_role_required", "actor and role are required")
	}
	if _, ok := e.Config.RBAC.Roles[roleID]; !ok {
		return invalidInput("unknown_role", "role %s is not configured", roleID)
	}
	return storeErr(e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, domain.FormatTime(e.now())); err != nil {
			return err
		}
		return e.Repo.AssignRole(ctx, tx, actorID, roleID)
	}))
}

func (e Engine) RevokeRole(ctx context.Context, actorID, roleID string) error {
	return storeErr(e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.RevokeRole(ctx, tx, actorID, roleID)
	}))
}

// WhoAmI returns the actor's roles and effective permissions.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.ActorProfile, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return domain.ActorProfile{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// SetProfile declares the user's own handle on a platform.
func (e Engine) SetProfile(ctx context.Context, userID, platform, handle string) (domain.AccountProfile, error) {
	if strings.TrimSpace(handle) == "" {
		return domain.AccountProfile{}, invalidInput("handle_required", "a handle is required")
	}
	known := false
	for _, p := range e.Validator.Platforms() {
		if p == platform {
			known = true
		}
	}
	if !known {
		return domain.AccountProfile{}, invalidInput(string(submission.ReasonUnsupportedPlatform), "platform %q is not supported", platform)
	}
	p, err := e.Repo.UpsertProfile(ctx, userID, platform, handle)
	return p, storeErr(err)
}

// CreateAPIKey mints a key for actorID. The raw key is only returned here;
// the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", invalidInput("actor_required", "actor is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}
	raw := "mpk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: domain.FormatTime(e.now()),
	}
	err := e.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", storeErr(err)
	}
	return key, raw, nil
}

// RequirePermission is used by outer layers that gate admin operations.
func (e Engine) RequirePermission(ctx context.Context, actorID, perm string) error {
	return e.Auth.Require(ctx, nil, actorID, perm)
}

// LatestEvents returns the newest audit events, optionally filtered.
func (e Engine) LatestEvents(ctx context.Context, limit int, missionID, evtType string) ([]domain.Event, error) {
	res, err := events.Latest(ctx, e.DB, limit, missionID, evtType)
	return res, storeErr(err)
}
