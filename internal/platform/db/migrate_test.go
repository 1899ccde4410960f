package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/ehr/authority/migrations"
)

func TestLoadMigrations_Sorted(t *testing.T) {
	files := fstest.MapFS{
		"003_c.sql":   {Data: []byte("SELECT 3;")},
		"001_a.sql":   {Data: []byte("SELECT 1;")},
		"002_b.sql":   {Data: []byte("SELECT 2;")},
		"README.md":   {Data: []byte("docs")},
		"notes.sql":   {Data: []byte("no prefix")},
		"x_draft.sql": {Data: []byte("non-numeric prefix")},
	}

	got, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(got))
	}
	for i, want := range []int{1, 2, 3} {
		if got[i].Version != want {
			t.Errorf("migration %d: expected version %d, got %d", i, want, got[i].Version)
		}
	}
	if got[0].Name != "001_a.sql" || got[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration %+v", got[0])
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Error("expected an error for a duplicated version")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) == 0 || got[0].Name != "001_resource_hash.sql" {
		t.Fatalf("expected the resource_hash migration first, got %+v", got)
	}
}

func TestPendingAndStatuses(t *testing.T) {
	migs := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	pending := Pending(migs, applied)
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Errorf("expected only version 2 pending, got %+v", pending)
	}

	statuses := Statuses(migs, applied)
	if !statuses[0].Applied || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected version 1 applied at %s, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected version 2 pending, got %+v", statuses[1])
	}
}
