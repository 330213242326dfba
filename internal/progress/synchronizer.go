// Package progress keeps the per-user mission summary in step with the
// completion history.
package progress

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"time"

	"missionproof/internal/domain"
	"missionproof/internal/events"
	"missionproof/internal/repo"
)

// IntoVerified reports whether a write moves a record into verified.
func IntoVerified(w domain.CompletionWrite) bool {
	if w.After == nil || w.After.Status != domain.StatusVerified {
		return false
	}
	return w.Before == nil || w.Before.Status != domain.StatusVerified
}

// Synchronizer recomputes MissionProgress from history on every relevant
// write rather than patching it, so replays and reordering cannot drift it.
type Synchronizer struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

func (s Synchronizer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Synchronizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Synchronizer) HandleWrite(ctx context.Context, w domain.CompletionWrite) error {
	if !IntoVerified(w) {
		return nil
	}
	p, err := s.Recompute(ctx, w.After.MissionID, w.After.UserID)
	if err != nil {
		s.logger().Warn("progress recompute failed", "write_id", w.ID, "mission_id", w.After.MissionID, "user_id", w.After.UserID, "err", err)
		return err
	}
	s.logger().Debug("progress recomputed", "mission_id", p.MissionID, "user_id", p.UserID, "verified", p.VerifiedCount, "total", p.TotalTasks)
	return nil
}

// Recompute derives the summary for one user in one mission and stores it.
func (s Synchronizer) Recompute(ctx context.Context, missionID, userID string) (domain.MissionProgress, error) {
	var out domain.MissionProgress
	err := s.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		total := 0
		var current []string
		mission, err := s.Repo.GetMission(ctx, tx, missionID)
		if err == nil {
			current = mission.TaskIDs()
			total = len(current)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		raw, err := s.Repo.VerifiedTaskIDs(ctx, tx, missionID, userID)
		if err != nil {
			return err
		}
		ids := distinct(raw)
		if current != nil {
			// tasks dropped from the mission no longer count
			ids = intersect(ids, current)
		}

		prev, err := s.Repo.GetProgress(ctx, tx, missionID, userID)
		found := err == nil
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := domain.FormatTime(s.now())
		p := domain.MissionProgress{
			MissionID:        missionID,
			UserID:           userID,
			VerifiedTaskIDs:  ids,
			VerifiedCount:    len(ids),
			TotalTasks:       total,
			MissionCompleted: total > 0 && len(ids) == total,
			UpdatedAt:        now,
		}
		if found {
			p.CompletedAt = prev.CompletedAt
		}
		if p.MissionCompleted && p.CompletedAt == nil {
			p.CompletedAt = &now
			if err := s.Events.Append(ctx, tx, events.ProgressCompleted, missionID, "progress", domain.ParticipationID(missionID, userID), userID, events.EventPayload{
				"verified_count": p.VerifiedCount,
			}); err != nil {
				return err
			}
		}
		if err := s.Repo.UpsertProgressTx(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func distinct(raw []string) []string {
	set := make(map[string]struct{}, len(raw))
	for _, id := range raw {
		if n := domain.NormalizeTaskID(id); n != "" {
			set[n] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func intersect(ids, taskIDs []string) []string {
	keep := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		keep[domain.NormalizeTaskID(id)] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
