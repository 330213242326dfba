package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"missionproof/internal/aggregate"
	"missionproof/internal/config"
	"missionproof/internal/db"
	"missionproof/internal/domain"
	"missionproof/internal/engine"
	"missionproof/internal/migrate"
	"missionproof/internal/progress"
	"missionproof/internal/trigger"
)

const testSecret = "test-secret"

type testServer struct {
	URL      string
	Engine   engine.Engine
	Triggers *trigger.Dispatcher
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.SyncConfig(ctx, cfg, "tester"); err != nil {
		t.Fatalf("sync config: %v", err)
	}
	for actor, role := range map[string]string{"rev": "reviewer", "rev2": "reviewer", "admin": "owner"} {
		if err := e.GrantRole(ctx, actor, role); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	d := &trigger.Dispatcher{Repo: e.Repo, Subs: []trigger.Subscription{
		{Name: "aggregate", Handler: aggregate.Counter{Repo: e.Repo}},
		{Name: "progress", Handler: progress.Synchronizer{Repo: e.Repo}},
	}}
	handler, err := New(Config{
		Engine:     e,
		BasePath:   "/v0",
		Dispatcher: d,
		Auth:       AuthConfig{JWTSecret: testSecret, DevLogin: true, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Triggers: d,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code, env.Error.Details
}

func TestDirectSubmitAndAggregate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions", map[string]any{
		"mission_id": "launch-week",
		"task_id":    "like",
	}, as("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created domain.TaskCompletion
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if created.Status != domain.StatusVerified || created.UserID != "u1" {
		t.Fatalf("unexpected completion %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions", map[string]any{
		"mission_id": "launch-week",
		"task_id":    "like",
	}, as("u1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	if code, _ := errorCode(t, data); code != engine.ConflictAlreadyVerified {
		t.Fatalf("expected already_verified, got %s", code)
	}

	if _, err := srv.Triggers.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/launch-week/aggregate", nil, as("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("aggregate status %d: %s", res.StatusCode, string(data))
	}
	var agg AggregateResponse
	if err := json.Unmarshal(data, &agg); err != nil {
		t.Fatalf("unmarshal aggregate: %v", err)
	}
	if agg.TaskCounts["like"] != 1 || agg.Remaining["like"] != 99 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/launch-week/progress/me", nil, as("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var prog ProgressResponse
	if err := json.Unmarshal(data, &prog); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if prog.VerifiedCount != 1 || prog.TotalTasks != 2 || prog.Percent != 50 {
		t.Fatalf("unexpected progress %+v", prog)
	}
}

func TestHandleMismatchIsValidationFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/me/profiles/x", map[string]any{"handle": "@Alice"}, as("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set profile status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions", map[string]any{
		"mission_id": "launch-week",
		"task_id":    "repost",
		"proof_url":  "https://x.com/mallory/status/42",
	}, as("u1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	code, details := errorCode(t, data)
	if code != "validation_failed" || details["reason"] != "handle_mismatch" {
		t.Fatalf("unexpected error %s %v", code, details)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/completions?user_id=u1", nil, as("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list paginatedCompletions
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 0 {
		t.Fatalf("rejected proof must not create a record, got %d", len(list.Items))
	}
}

func TestReviewFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions", map[string]any{
		"mission_id": "launch-week",
		"task_id":    "repost",
		"proof_url":  "https://twitter.com/u1/status/1?s=20",
	}, as("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted domain.TaskCompletion
	_ = json.Unmarshal(data, &submitted)
	if submitted.Status != domain.StatusPending {
		t.Fatalf("link submissions start pending, got %s", submitted.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/review/next", nil, as("u1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-reviewer should be forbidden, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/review/next", nil, as("rev"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review next status %d: %s", res.StatusCode, string(data))
	}
	var next ReviewNextResponse
	_ = json.Unmarshal(data, &next)
	if next.Item == nil || next.Item.CompletionID != submitted.ID {
		t.Fatalf("expected the submission in the queue, got %+v", next.Item)
	}

	flagURL := srv.URL + "/v0/completions/" + submitted.ID + "/flag"
	res, data = doJSON(t, client, http.MethodPost, flagURL, map[string]any{"reason": "post deleted"}, as("rev"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flag status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/review/next", nil, as("rev"))
	_ = json.Unmarshal(data, &next)
	if next.Item != nil {
		t.Fatalf("reviewed item offered again: %+v", next.Item)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions/"+submitted.ID+"/redo", map[string]any{
		"proof_url": "https://x.com/u1/status/2",
	}, as("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("redo status %d: %s", res.StatusCode, string(data))
	}
	var redo domain.TaskCompletion
	_ = json.Unmarshal(data, &redo)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/launch-week/tasks/repost/status", nil, as("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st engine.CurrentStatus
	_ = json.Unmarshal(data, &st)
	if st.Status != domain.StatusPending || st.ClientState != "pendingVerify" || st.Completion.ID != redo.ID {
		t.Fatalf("unexpected status %+v", st)
	}

	// the old record is superseded; the first reviewer has a receipt for this task
	res, data = doJSON(t, client, http.MethodPost, flagURL, map[string]any{"reason": "again"}, as("rev2"))
	if code, _ := errorCode(t, data); res.StatusCode != http.StatusConflict || code != engine.ConflictSuperseded {
		t.Fatalf("expected superseded conflict, got %d %s", res.StatusCode, string(data))
	}
	verifyURL := srv.URL + "/v0/completions/" + redo.ID + "/verify"
	res, data = doJSON(t, client, http.MethodPost, verifyURL, nil, as("rev"))
	if code, _ := errorCode(t, data); res.StatusCode != http.StatusConflict || code != engine.ConflictAlreadyReviewed {
		t.Fatalf("expected already_reviewed, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, verifyURL, nil, as("rev2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verified domain.TaskCompletion
	_ = json.Unmarshal(data, &verified)
	if verified.Status != domain.StatusVerified || verified.ReviewerID == nil || *verified.ReviewerID != "rev2" {
		t.Fatalf("unexpected verified record %+v", verified)
	}
}

func TestSelfReviewForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions", map[string]any{
		"mission_id": "launch-week",
		"task_id":    "repost",
		"proof_url":  "https://x.com/rev/status/7",
	}, as("rev"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var c domain.TaskCompletion
	_ = json.Unmarshal(data, &c)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/completions/"+c.ID+"/verify", nil, as("rev"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredAndCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "rev"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "rev" || me.Source != "jwt" || len(me.Permissions) != 1 || me.Permissions[0] != "completion.review" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"actor_id": "bot"}, as("u1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 minting a key without apikey.manage, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"actor_id": "bot", "name": "ci"}, as("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key CreateAPIKeyResponse
	_ = json.Unmarshal(data, &key)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "bot" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "mpk_nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad key, got %d", res.StatusCode)
	}
}
