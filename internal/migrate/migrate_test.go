package migrate_test

import (
	"testing"

	"pairline/internal/db"
	"pairline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("expected at least version 1, got %d", v)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	after, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if after != v {
		t.Fatalf("rerun changed version from %d to %d", v, after)
	}

	// the schema is queryable once migrated
	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("schema not usable: %v", err)
	}
}
