package sitecatalog

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE locations (shortname TEXT PRIMARY KEY, site TEXT NOT NULL, obsint INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func seed(t *testing.T, db *sql.DB, site4, site9 string, interval int) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO locations (shortname, site, obsint) VALUES (?, ?, ?)`, site4, site9, interval); err != nil {
		t.Fatalf("seed row: %v", err)
	}
}

func TestOpenLoadsFromDatabase(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "ABCD", "ABCD00DNK", 30)

	cat, err := Open(db, filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cat.Close()

	entry, ok := cat.Lookup("abcd")
	if !ok {
		t.Fatalf("expected lookup to succeed")
	}
	if entry.Site9 != "ABCD00DNK" || entry.Interval != 30 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, ok := cat.Lookup("ZZZZ"); ok {
		t.Fatalf("unknown site4 should not resolve")
	}
}

func TestOpenFallsBackToLocalCacheWhenDBEmpty(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "WTZR", "WTZR00DEU", 15)

	cacheDir := filepath.Join(t.TempDir(), "cache")
	cat, err := Open(db, cacheDir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if entry, ok := cat.Lookup("WTZR"); !ok || entry.Site9 != "WTZR00DEU" {
		t.Fatalf("expected WTZR to resolve, got %+v %v", entry, ok)
	}
	if err := cat.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Closing the last handle drops the shared in-memory database, so the
	// next openTestDB starts from an empty locations table.
	db.Close()

	emptyDB := openTestDB(t)
	cat2, err := Open(emptyDB, cacheDir)
	if err != nil {
		t.Fatalf("reopen from cache: %v", err)
	}
	defer cat2.Close()
	if entry, ok := cat2.Lookup("WTZR"); !ok || entry.Site9 != "WTZR00DEU" {
		t.Fatalf("expected cached entry to survive DB outage, got %+v %v", entry, ok)
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "ABCD", "ABCD00DNK", 30)

	cat, err := Open(db, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cat.Close()

	if _, err := db.Exec(`INSERT INTO locations (shortname, site, obsint) VALUES (?, ?, ?)`, "WXYZ", "WXYZ00USA", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cat.Reload(db); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := cat.Lookup("WXYZ"); !ok {
		t.Fatalf("expected newly inserted site to appear after reload")
	}
	if cat.Size() != 2 {
		t.Fatalf("expected catalog size 2, got %d", cat.Size())
	}
}

func TestSuggestNearest(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "ARGI", "ARGI00FRO", 30)
	seed(t, db, "WTZR", "WTZR00DEU", 30)

	cat, err := Open(db, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cat.Close()

	suggestion, ok := cat.SuggestNearest("ARGJ")
	if !ok || suggestion != "ARGI" {
		t.Fatalf("expected ARGI suggested for ARGJ, got %q %v", suggestion, ok)
	}

	if _, ok := cat.SuggestNearest("ZZZZ"); ok {
		t.Fatalf("expected no suggestion for a name far from anything known")
	}
}

func TestOpenFailsWhenNothingIsAvailable(t *testing.T) {
	db := openTestDB(t)
	if _, err := Open(db, filepath.Join(t.TempDir(), "cache")); err == nil {
		t.Fatalf("expected error when database is empty and cache is empty")
	}
}
