package progress_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"missionproof/internal/db"
	"missionproof/internal/domain"
	"missionproof/internal/migrate"
	"missionproof/internal/progress"
	"missionproof/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (progress.Synchronizer, repo.Repo, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	err = r.UpsertMission(context.Background(), domain.Mission{
		ID:   "m1",
		Type: "engagement",
		Tasks: []domain.MissionTask{
			{ID: "like", VerificationMethod: domain.MethodDirect},
			{ID: "repost", VerificationMethod: domain.MethodLink, Platform: "x"},
		},
	})
	if err != nil {
		t.Fatalf("seed mission: %v", err)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return progress.Synchronizer{Repo: r, Now: clk.now}, r, clk
}

func insert(t *testing.T, r repo.Repo, id, task string, status domain.CompletionStatus) {
	t.Helper()
	ts := domain.FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := domain.TaskCompletion{
		ID: id, MissionID: "m1", TaskID: task, UserID: "u1", Status: status,
		VerificationMethod: domain.MethodDirect, CreatedAt: ts, CompletedAt: ts, UpdatedAt: ts,
	}
	err := r.RunTx(context.Background(), func(tx *sql.Tx) error {
		return r.InsertCompletionTx(context.Background(), tx, c)
	})
	if err != nil {
		t.Fatalf("insert completion: %v", err)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	s, r, clk := setup(t)
	ctx := context.Background()
	insert(t, r, "c1", "like", domain.StatusVerified)
	insert(t, r, "c2", " Like ", domain.StatusVerified)
	insert(t, r, "c3", "repost", domain.StatusVerified)

	first, err := s.Recompute(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if first.VerifiedCount != 2 || !first.MissionCompleted || first.CompletedAt == nil {
		t.Fatalf("unexpected progress %+v", first)
	}
	clk.t = clk.t.Add(time.Hour)
	second, err := s.Recompute(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("recompute again: %v", err)
	}
	if second.VerifiedCount != first.VerifiedCount || second.MissionCompleted != first.MissionCompleted || *second.CompletedAt != *first.CompletedAt {
		t.Fatalf("recompute not idempotent: %+v vs %+v", first, second)
	}
	stored, err := r.GetProgress(ctx, r.DB, "m1", "u1")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if *stored.CompletedAt != *first.CompletedAt {
		t.Fatalf("completed_at overwritten: %s vs %s", *stored.CompletedAt, *first.CompletedAt)
	}
}

func TestPartialProgress(t *testing.T) {
	s, r, _ := setup(t)
	ctx := context.Background()
	insert(t, r, "c1", "like", domain.StatusVerified)
	insert(t, r, "c2", "repost", domain.StatusFlagged)
	p, err := s.Recompute(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if p.VerifiedCount != 1 || p.TotalTasks != 2 || p.MissionCompleted || p.CompletedAt != nil {
		t.Fatalf("unexpected progress %+v", p)
	}
}

func TestHandleWriteOnlyOnTransitionIntoVerified(t *testing.T) {
	s, r, _ := setup(t)
	ctx := context.Background()
	insert(t, r, "c1", "like", domain.StatusVerified)
	pending := domain.CompletionWrite{ID: 1, CompletionID: "c1", After: &domain.TaskCompletion{ID: "c1", MissionID: "m1", TaskID: "like", UserID: "u1", Status: domain.StatusPending}}
	if err := s.HandleWrite(ctx, pending); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := r.GetProgress(ctx, r.DB, "m1", "u1"); err != repo.ErrNotFound {
		t.Fatalf("expected no progress for a pending write, got %v", err)
	}
	verified := pending
	verified.After = &domain.TaskCompletion{ID: "c1", MissionID: "m1", TaskID: "like", UserID: "u1", Status: domain.StatusVerified}
	if err := s.HandleWrite(ctx, verified); err != nil {
		t.Fatalf("handle: %v", err)
	}
	p, err := r.GetProgress(ctx, r.DB, "m1", "u1")
	if err != nil || p.VerifiedCount != 1 {
		t.Fatalf("expected one verified task, got %+v %v", p, err)
	}
}

func TestRemovedTaskNoLongerCounts(t *testing.T) {
	s, r, _ := setup(t)
	ctx := context.Background()
	insert(t, r, "c1", "like", domain.StatusVerified)
	insert(t, r, "c2", "repost", domain.StatusVerified)
	err := r.UpsertMission(ctx, domain.Mission{
		ID:    "m1",
		Type:  "engagement",
		Tasks: []domain.MissionTask{{ID: "like", VerificationMethod: domain.MethodDirect}},
	})
	if err != nil {
		t.Fatalf("shrink mission: %v", err)
	}
	p, err := s.Recompute(ctx, "m1", "u1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if p.VerifiedCount != 1 || p.TotalTasks != 1 || !p.MissionCompleted {
		t.Fatalf("expected 1/1 completed, got %+v", p)
	}
	if len(p.VerifiedTaskIDs) != 1 || p.VerifiedTaskIDs[0] != "like" {
		t.Fatalf("expected only like, got %v", p.VerifiedTaskIDs)
	}
}

func TestCorruptProgressRowIsAnError(t *testing.T) {
	s, r, _ := setup(t)
	ctx := context.Background()
	insert(t, r, "c1", "like", domain.StatusVerified)
	if _, err := s.Recompute(ctx, "m1", "u1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if _, err := r.DB.Exec(`UPDATE mission_progress SET verified_task_ids_json='{not json' WHERE mission_id='m1' AND user_id='u1'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	if _, err := r.GetProgress(ctx, r.DB, "m1", "u1"); err == nil || err == repo.ErrNotFound {
		t.Fatalf("expected a decode error, got %v", err)
	}
}
