package db

import (
	"path/filepath"
	"testing"
)

func TestInitDB_CreatesSchemaOnce(t *testing.T) {
	ResetDB()
	t.Cleanup(ResetDB)

	path := filepath.Join(t.TempDir(), "sessions.db")
	first, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if GetDB() != first {
		t.Fatal("GetDB does not return the initialized connection")
	}

	second, err := InitDB(filepath.Join(t.TempDir(), "other.db"))
	if err != nil {
		t.Fatalf("second InitDB: %v", err)
	}
	if second != first {
		t.Error("InitDB opened a second database")
	}

	var mode string
	if err := first.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var count int
	if err := first.QueryRow("SELECT COUNT(*) FROM proxy_sessions").Scan(&count); err != nil {
		t.Fatalf("proxy_sessions missing: %v", err)
	}
}

func TestNewTestDB_Isolated(t *testing.T) {
	a, err := NewTestDB()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewTestDB()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := a.Exec(`INSERT INTO proxy_sessions (id, user_id, upstream_url) VALUES ('s1', 'u', 'ws://x')`); err != nil {
		t.Fatal(err)
	}
	var count int
	if err := b.QueryRow("SELECT COUNT(*) FROM proxy_sessions").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("second test database sees %d rows", count)
	}
}
