package missionproofsdk_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"missionproof/internal/config"
	"missionproof/internal/db"
	"missionproof/internal/engine"
	"missionproof/internal/lifecycle"
	"missionproof/internal/migrate"
	"missionproof/internal/server"
	missionproofsdk "missionproof/sdk/go"
)

func newAPI(t *testing.T) (string, engine.Engine) {
	t.Helper()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.SyncConfig(ctx, cfg, "tester"); err != nil {
		t.Fatalf("sync config: %v", err)
	}
	if err := e.GrantRole(ctx, "rev", "reviewer"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL + "/v0", e
}

func clientFor(t *testing.T, baseURL string, e engine.Engine, actorID string) *missionproofsdk.Client {
	t.Helper()
	_, raw, err := e.CreateAPIKey(context.Background(), actorID, "sdk test")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	c := missionproofsdk.New(baseURL)
	c.APIKey = raw
	return c
}

func TestTrackerDirectTask(t *testing.T) {
	baseURL, e := newAPI(t)
	ctx := context.Background()
	user := clientFor(t, baseURL, e, "u1")

	tr, err := missionproofsdk.NewTracker(ctx, user, "launch-week", "like", "direct")
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if tr.State() != lifecycle.Idle || tr.CanVerify() {
		t.Fatalf("direct task must start idle without verify, got %s", tr.State())
	}
	if _, err := tr.Submit(ctx, ""); err == nil {
		t.Fatalf("expected verify before intent to fail")
	}
	if err := tr.Intent(); err != nil {
		t.Fatalf("intent: %v", err)
	}
	c, err := tr.Submit(ctx, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != "verified" || tr.State() != lifecycle.Verified {
		t.Fatalf("expected verified, got %s / %s", c.Status, tr.State())
	}

	// a second tracker restores from the server
	again, err := missionproofsdk.NewTracker(ctx, user, "launch-week", "like", "direct")
	if err != nil {
		t.Fatalf("restore tracker: %v", err)
	}
	if again.State() != lifecycle.Verified || again.Current() == nil || again.Current().ID != c.ID {
		t.Fatalf("expected restored verified state, got %s", again.State())
	}
	_, err = user.SubmitCompletion(ctx, "launch-week", "like", "")
	if !missionproofsdk.IsCode(err, "already_verified") {
		t.Fatalf("expected already_verified, got %v", err)
	}
}

func TestTrackerLinkTaskFlagAndRedo(t *testing.T) {
	baseURL, e := newAPI(t)
	ctx := context.Background()
	user := clientFor(t, baseURL, e, "u1")
	reviewer := clientFor(t, baseURL, e, "rev")

	if err := user.SetProfile(ctx, "x", "@u1"); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	tr, err := missionproofsdk.NewTracker(ctx, user, "launch-week", "repost", "link")
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if !tr.CanVerify() {
		t.Fatalf("link tasks can be submitted without intent")
	}

	_, err = tr.Submit(ctx, "https://x.com/someone_else/status/9")
	if !missionproofsdk.IsCode(err, "validation_failed") {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if tr.State() != lifecycle.Idle {
		t.Fatalf("failed submit must roll back, got %s", tr.State())
	}

	c, err := tr.Submit(ctx, "https://x.com/u1/status/1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tr.State() != lifecycle.PendingVerify {
		t.Fatalf("expected pendingVerify, got %s", tr.State())
	}

	item, err := reviewer.NextReviewItem(ctx)
	if err != nil {
		t.Fatalf("next review item: %v", err)
	}
	if item == nil || item.CompletionID != c.ID {
		t.Fatalf("expected %s in the queue, got %+v", c.ID, item)
	}
	if _, err := reviewer.FlagCompletion(ctx, item.CompletionID, "post deleted"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := user.NextReviewItem(ctx); err == nil {
		t.Fatalf("expected forbidden for a non-reviewer")
	}

	if err := tr.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tr.State() != lifecycle.Flagged {
		t.Fatalf("expected flagged, got %s", tr.State())
	}
	redo, err := tr.Redo(ctx, "https://x.com/u1/status/2")
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if redo.ID == c.ID || redo.Status != "pending" || tr.State() != lifecycle.PendingVerify {
		t.Fatalf("expected a new pending record, got %+v in %s", redo, tr.State())
	}
	if _, err := reviewer.VerifyCompletion(ctx, c.ID); !missionproofsdk.IsCode(err, "superseded") {
		t.Fatalf("expected superseded for the old record, got %v", err)
	}

	st, err := user.TaskStatus(ctx, "launch-week", "repost", "")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != "pending" || st.Completion == nil || st.Completion.ID != redo.ID {
		t.Fatalf("expected the redo to be current, got %+v", st)
	}
}
