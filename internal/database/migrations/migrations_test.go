package migrations

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openMemory(t)

	if err := Run(db, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations() error = %v", err)
	}
	if len(applied) != len(sorted()) {
		t.Errorf("applied %d migrations, registry has %d", len(applied), len(sorted()))
	}

	pending, err := GetPendingMigrations(db)
	if err != nil {
		t.Fatalf("GetPendingMigrations() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d after Run, want 0", len(pending))
	}

	for _, table := range []string{"profiles", "accounts", "quota_counters", "processed_items", "schedule_entries", "portal_cookies", "completion_history", "activities"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openMemory(t)

	if err := Run(db, nil); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := Run(db, nil); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
}

func TestMigrationsOrdered(t *testing.T) {
	ms := sorted()
	for i := 1; i < len(ms); i++ {
		if ms[i-1].Timestamp >= ms[i].Timestamp {
			t.Errorf("migrations out of order or duplicated: %s before %s", ms[i-1].Timestamp, ms[i].Timestamp)
		}
	}
}
