// Package aggregate maintains per-mission, per-task verified counts and
// enforces winner caps.
package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"missionproof/internal/domain"
	"missionproof/internal/events"
	"missionproof/internal/repo"
)

// Delta is +1 for a write into verified, -1 for a write out of it and 0
// otherwise.
func Delta(w domain.CompletionWrite) int {
	was := w.Before != nil && w.Before.Status == domain.StatusVerified
	is := w.After != nil && w.After.Status == domain.StatusVerified
	switch {
	case is && !was:
		return 1
	case was && !is:
		return -1
	}
	return 0
}

type Outcome string

const (
	OutcomeNoop    Outcome = "noop"
	OutcomeReplay  Outcome = "replay"
	OutcomeApplied Outcome = "applied"
	// OutcomeCapped means the cap was full and the increment was declined.
	OutcomeCapped Outcome = "capped"
	// OutcomeUncounted means a decrement for a completion that never counted.
	OutcomeUncounted Outcome = "uncounted"
)

// Counter applies completion writes to the mission aggregate. Each write is
// applied at most once: its feed id is recorded in the ledger in the same
// transaction as the counter update.
type Counter struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

func (c Counter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Counter) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Counter) HandleWrite(ctx context.Context, w domain.CompletionWrite) error {
	_, err := c.Apply(ctx, w)
	return err
}

// ErrNoAfterImage rejects a write that carries no record to count against.
var ErrNoAfterImage = errors.New("completion write has no after image")

// Apply runs one write through the counter. A zero delta returns without
// touching the store.
func (c Counter) Apply(ctx context.Context, w domain.CompletionWrite) (Outcome, error) {
	if w.After == nil {
		return "", fmt.Errorf("write %d: %w", w.ID, ErrNoAfterImage)
	}
	delta := Delta(w)
	if delta == 0 {
		return OutcomeNoop, nil
	}
	var outcome Outcome
	err := c.Repo.RunTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = c.apply(ctx, tx, w, delta)
		return err
	})
	log := c.logger().With("write_id", w.ID, "mission_id", w.After.MissionID, "task_id", w.After.TaskID, "delta", delta)
	if err != nil {
		log.Warn("aggregate update failed", "err", err)
		return "", err
	}
	switch outcome {
	case OutcomeCapped:
		log.Info("winner cap reached; completion not counted", "completion_id", w.CompletionID)
	default:
		log.Debug("aggregate updated", "outcome", outcome)
	}
	return outcome, nil
}

func (c Counter) apply(ctx context.Context, tx *sql.Tx, w domain.CompletionWrite, delta int) (Outcome, error) {
	seen, err := c.Repo.LedgerHasWrite(ctx, tx, w.ID)
	if err != nil {
		return "", err
	}
	if seen {
		return OutcomeReplay, nil
	}
	missionID, taskID := w.After.MissionID, w.After.TaskID
	now := domain.FormatTime(c.now())
	entry := repo.LedgerEntry{
		WriteID:      w.ID,
		CompletionID: w.CompletionID,
		MissionID:    missionID,
		TaskID:       taskID,
		Delta:        delta,
		AppliedAt:    now,
	}

	agg, err := c.Repo.GetAggregate(ctx, tx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		agg = domain.MissionAggregate{MissionID: missionID, TaskCounts: map[string]int{}}
	} else if err != nil {
		return "", err
	}
	mission, err := c.Repo.GetMission(ctx, tx, missionID)
	switch {
	case err == nil:
		agg.WinnersPerTask = mission.WinnersPerTask
		agg.TaskCount = len(mission.Tasks)
	case errors.Is(err, repo.ErrNotFound):
		// unknown mission: count without a cap
	default:
		return "", err
	}

	if delta > 0 && agg.Capped() && agg.TaskCounts[taskID] >= *agg.WinnersPerTask {
		if err := c.Repo.InsertLedgerTx(ctx, tx, entry); err != nil {
			return "", err
		}
		err := c.Events.Append(ctx, tx, events.AggregateCapSkipped, missionID, "completion", w.CompletionID, "", events.EventPayload{
			"task_id": taskID, "winners_per_task": *agg.WinnersPerTask, "count": agg.TaskCounts[taskID],
		})
		return OutcomeCapped, err
	}
	if delta < 0 {
		counted, found, err := c.Repo.LastIncrementCounted(ctx, tx, w.CompletionID)
		if err != nil {
			return "", err
		}
		if found && !counted {
			return OutcomeUncounted, c.Repo.InsertLedgerTx(ctx, tx, entry)
		}
	}

	agg.TaskCounts[taskID] = clamp(agg.TaskCounts[taskID] + delta)
	agg.TotalCompletions = clamp(agg.TotalCompletions + delta)
	agg.UpdatedAt = now
	if err := c.Repo.UpsertAggregateTx(ctx, tx, agg); err != nil {
		return "", err
	}
	entry.Counted = true
	if err := c.Repo.InsertLedgerTx(ctx, tx, entry); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
