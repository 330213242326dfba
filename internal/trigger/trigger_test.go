package trigger_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"missionproof/internal/db"
	"missionproof/internal/domain"
	"missionproof/internal/migrate"
	"missionproof/internal/repo"
	"missionproof/internal/trigger"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func appendWrite(t *testing.T, r repo.Repo, id string, before, after domain.CompletionStatus) {
	t.Helper()
	ts := domain.FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a := &domain.TaskCompletion{ID: id, MissionID: "m1", TaskID: "like", UserID: "u1", Status: after}
	var b *domain.TaskCompletion
	if before != "" {
		b = &domain.TaskCompletion{ID: id, MissionID: "m1", TaskID: "like", UserID: "u1", Status: before}
	}
	err := r.RunTx(context.Background(), func(tx *sql.Tx) error {
		_, err := r.AppendCompletionWriteTx(context.Background(), tx, b, a, ts)
		return err
	})
	if err != nil {
		t.Fatalf("append write: %v", err)
	}
}

type recorder struct {
	mu    sync.Mutex
	seen  []int64
	failN int
}

func (r *recorder) HandleWrite(ctx context.Context, w domain.CompletionWrite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("boom")
	}
	r.seen = append(r.seen, w.ID)
	return nil
}

func TestDrainDeliversInOrderAndPersistsCursor(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	appendWrite(t, r, "c1", "", domain.StatusPending)
	appendWrite(t, r, "c1", domain.StatusPending, domain.StatusVerified)
	appendWrite(t, r, "c2", "", domain.StatusVerified)

	rec := &recorder{}
	d := &trigger.Dispatcher{Repo: r, Subs: []trigger.Subscription{{Name: "rec", Handler: rec}}}
	n, err := d.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 || len(rec.seen) != 3 || rec.seen[0] != 1 || rec.seen[2] != 3 {
		t.Fatalf("unexpected delivery %d %v", n, rec.seen)
	}

	// a new dispatcher resumes from the stored cursor
	d2 := &trigger.Dispatcher{Repo: r, Subs: []trigger.Subscription{{Name: "rec", Handler: rec}}}
	if n, err := d2.Drain(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing to redeliver, got %d %v", n, err)
	}
}

func TestFailedHandlerIsRetried(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	appendWrite(t, r, "c1", "", domain.StatusVerified)

	rec := &recorder{failN: 1}
	d := &trigger.Dispatcher{Repo: r, Subs: []trigger.Subscription{{Name: "rec", Handler: rec}}}
	if _, err := d.Drain(ctx); err == nil {
		t.Fatalf("expected first drain to report the failure")
	}
	lag, err := d.Lag(ctx)
	if err != nil || lag["rec"] != 1 {
		t.Fatalf("expected lag 1, got %v %v", lag, err)
	}
	if n, err := d.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("expected retry to deliver, got %d %v", n, err)
	}
	if len(rec.seen) != 1 {
		t.Fatalf("expected one delivery, got %v", rec.seen)
	}
}

func TestDecodeUpgradesAndRejects(t *testing.T) {
	legacy := `{"completion_id":"c1","ts":"t","after":{"id":"c1","mission_id":"m","task_id":"t","user_id":"u","status":"verified"}}`
	w, err := trigger.Decode(repo.RawCompletionWrite{ID: 7, CompletionID: "c1", Payload: legacy})
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if w.Version != domain.CompletionWriteVersion || w.ID != 7 {
		t.Fatalf("unexpected decode %+v", w)
	}
	bad := []string{
		`{"version":1,"completion_id":"c1"}`,
		`{"version":9,"completion_id":"c1","after":{"id":"c1","status":"verified"}}`,
		`{"version":1,"completion_id":"c1","after":{"id":"c1","status":"done"}}`,
		`{"version":1,"completion_id":"c1","after":{"id":"c1","status":"verified"},"extra":1}`,
		`{"version":1,"completion_id":"c1","before":{"id":"c2","status":"pending"},"after":{"id":"c1","status":"verified"}}`,
	}
	for _, payload := range bad {
		if _, err := trigger.Decode(repo.RawCompletionWrite{ID: 1, CompletionID: "c1", Payload: payload}); !errors.Is(err, trigger.ErrMalformed) {
			t.Fatalf("expected malformed for %s, got %v", payload, err)
		}
	}
}

type fakePublisher struct {
	subjects []string
	ids      []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(subject string, payload []byte, msgID string) error {
	p.subjects = append(p.subjects, subject)
	p.ids = append(p.ids, msgID)
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestStreamSinkPublishesTransition(t *testing.T) {
	pub := &fakePublisher{}
	sink := trigger.StreamSink{Publisher: pub, Prefix: "missions.completion"}
	w := domain.CompletionWrite{
		ID:           42,
		Version:      domain.CompletionWriteVersion,
		CompletionID: "c1",
		Before:       &domain.TaskCompletion{ID: "c1", MissionID: "launch.week", Status: domain.StatusPending},
		After:        &domain.TaskCompletion{ID: "c1", MissionID: "launch.week", TaskID: "like", UserID: "u1", Status: domain.StatusVerified},
	}
	if err := sink.HandleWrite(context.Background(), w); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "missions.completion.launch_week.verified" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}
	if pub.ids[0] != "completion-write-42" {
		t.Fatalf("unexpected msg id %s", pub.ids[0])
	}
	var msg trigger.StreamMessage
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.From != domain.StatusPending || msg.To != domain.StatusVerified || !strings.EqualFold(msg.TaskID, "like") {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestMalformedWriteIsSkipped(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	appendWrite(t, r, "c1", "", domain.StatusVerified)
	if _, err := r.DB.Exec(`INSERT INTO completion_writes(completion_id,ts,payload_json) VALUES ('c2','2024-01-01T00:00:00.000000Z','{not json')`); err != nil {
		t.Fatalf("insert malformed row: %v", err)
	}
	appendWrite(t, r, "c3", "", domain.StatusVerified)

	rec := &recorder{}
	d := &trigger.Dispatcher{Repo: r, Subs: []trigger.Subscription{{Name: "rec", Handler: rec}}}
	if _, err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(rec.seen) != 2 || rec.seen[0] != 1 || rec.seen[1] != 3 {
		t.Fatalf("expected writes 1 and 3 delivered, got %v", rec.seen)
	}
	lag, err := d.Lag(ctx)
	if err != nil || lag["rec"] != 0 {
		t.Fatalf("expected the cursor past the bad row, got %v %v", lag, err)
	}
}
