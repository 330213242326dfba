package review_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"missionproof/internal/db"
	"missionproof/internal/domain"
	"missionproof/internal/migrate"
	"missionproof/internal/repo"
	"missionproof/internal/review"
	"missionproof/internal/submission"
)

type fixture struct {
	repo repo.Repo
	base time.Time
	seq  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &fixture{repo: repo.Repo{DB: conn}, base: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// submit inserts a pending link completion; later calls are newer.
func (f *fixture) submit(t *testing.T, id, user, platform, url string) domain.TaskCompletion {
	t.Helper()
	f.seq++
	ts := domain.FormatTime(f.base.Add(time.Duration(f.seq) * time.Minute))
	c := domain.TaskCompletion{
		ID: id, MissionID: "m1", TaskID: "repost", UserID: user, Status: domain.StatusPending,
		VerificationMethod: domain.MethodLink, SubmissionURL: url, SubmissionPlatform: platform,
		CreatedAt: ts, CompletedAt: ts, UpdatedAt: ts,
	}
	err := f.repo.RunTx(context.Background(), func(tx *sql.Tx) error {
		return f.repo.InsertCompletionTx(context.Background(), tx, c)
	})
	if err != nil {
		t.Fatalf("insert completion: %v", err)
	}
	return c
}

func (f *fixture) receipt(t *testing.T, c domain.TaskCompletion, reviewer string) {
	t.Helper()
	rc := domain.ReviewReceipt{
		ID:              review.ReceiptKey(c.ParticipationID(), c.TaskID, c.UserID, reviewer),
		ParticipationID: c.ParticipationID(),
		TaskID:          c.TaskID,
		SubmitterID:     c.UserID,
		ReviewerID:      reviewer,
		CompletionID:    c.ID,
		Decision:        domain.DecisionVerify,
		CreatedAt:       c.CreatedAt,
	}
	err := f.repo.RunTx(context.Background(), func(tx *sql.Tx) error {
		_, err := f.repo.InsertReceiptTx(context.Background(), tx, rc)
		return err
	})
	if err != nil {
		t.Fatalf("insert receipt: %v", err)
	}
}

func (f *fixture) assigner() review.Assigner {
	return review.Assigner{Repo: f.repo, Validator: submission.New(nil), Platforms: []string{"x"}}
}

func TestNextSkipsOwnSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "other", "alice", "x", "https://x.com/alice/status/1")
	f.submit(t, "mine", "bob", "x", "https://x.com/bob/status/2")

	item, err := f.assigner().Next(ctx, "bob")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if item == nil || item.CompletionID != "other" {
		t.Fatalf("expected alice's submission, got %+v", item)
	}
	if item.SubmitterID == "bob" {
		t.Fatalf("reviewer was offered their own submission")
	}

	// only bob's own item left once alice's has a receipt
	f.receipt(t, domain.TaskCompletion{ID: "other", MissionID: "m1", TaskID: "repost", UserID: "alice"}, "bob")
	item, err = f.assigner().Next(ctx, "bob")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if item != nil {
		t.Fatalf("expected no item, got %+v", item)
	}
}

func TestNextNeverRepeatsReviewedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := f.submit(t, "c1", "alice", "x", "https://x.com/alice/status/1")
	newer := f.submit(t, "c2", "carol", "x", "https://twitter.com/carol/status/2")

	item, _ := f.assigner().Next(ctx, "rev")
	if item == nil || item.CompletionID != newer.ID {
		t.Fatalf("expected newest item first, got %+v", item)
	}
	f.receipt(t, newer, "rev")
	item, _ = f.assigner().Next(ctx, "rev")
	if item == nil || item.CompletionID != older.ID {
		t.Fatalf("expected older item after receipt, got %+v", item)
	}
	// another reviewer still sees the newest item
	item, _ = f.assigner().Next(ctx, "rev2")
	if item == nil || item.CompletionID != newer.ID {
		t.Fatalf("expected rev2 to get the newest item, got %+v", item)
	}
}

func TestNextFiltersPlatformsAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "tt", "alice", "tiktok", "https://www.tiktok.com/@alice/video/1")
	f.submit(t, "spoof", "dave", "x", "https://example.com/dave/status/1")
	old := f.submit(t, "old", "erin", "x", "https://x.com/erin/status/1")
	// a newer record for the same task supersedes the old pending one
	err := f.repo.RunTx(ctx, func(tx *sql.Tx) error {
		next := old
		next.ID = "old-redo"
		next.Status = domain.StatusVerified
		next.CreatedAt = domain.FormatTime(f.base.Add(time.Hour))
		return f.repo.InsertCompletionTx(ctx, tx, next)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	item, err := f.assigner().Next(ctx, "rev")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nothing reviewable, got %+v", item)
	}
}

func TestReceiptKeyIsDeterministic(t *testing.T) {
	a := review.ReceiptKey("m1:u1", "Like", "u1", "r1")
	b := review.ReceiptKey("m1:u1", "like", "u1", "r1")
	if a != b {
		t.Fatalf("expected task id normalization, got %s vs %s", a, b)
	}
	if a == review.ReceiptKey("m1:u1", "like", "u1", "r2") {
		t.Fatalf("different reviewers must not share a key")
	}
}
