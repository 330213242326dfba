package migrate_test

import (
	"testing"

	"missionproof/internal/db"
	"missionproof/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	st, err := migrate.CurrentStatus(conn)
	if err != nil {
		t.Fatalf("status on fresh db: %v", err)
	}
	if st.Current != 0 || len(st.Pending) == 0 {
		t.Fatalf("expected pending migrations on a fresh db, got %+v", st)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	st, err = migrate.CurrentStatus(conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Current != st.Latest || len(st.Pending) != 0 {
		t.Fatalf("expected an up to date schema, got %+v", st)
	}
}
