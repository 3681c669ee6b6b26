package audit

import "testing"

func TestRebindPlaceholders(t *testing.T) {
	got := rebind("INSERT INTO task_history (a, b, c) VALUES (?, ?, ?)")
	want := "INSERT INTO task_history (a, b, c) VALUES ($1, $2, $3)"
	if got != want {
		t.Fatalf("rebind: got %q, want %q", got, want)
	}
}

func TestStoreQUsesDriverDialect(t *testing.T) {
	sqlite := &Store{driver: "sqlite"}
	if got := sqlite.Q("SELECT ? "); got != "SELECT ? " {
		t.Fatalf("sqlite Q left unrebounded: %q", got)
	}

	pg := &Store{driver: "postgres"}
	if got := pg.Q("SELECT ?, ?"); got != "SELECT $1, $2" {
		t.Fatalf("postgres Q: got %q", got)
	}
}

func TestParseTimeAcceptsCommonLayouts(t *testing.T) {
	if parseTime("").IsZero() == false {
		t.Fatal("empty string should parse to zero time")
	}
	if parseTime(nil).IsZero() == false {
		t.Fatal("nil should parse to zero time")
	}
	if parseTime("2026-08-03 10:00:00").IsZero() {
		t.Fatal("expected sqlite-format timestamp to parse")
	}
	if parseTime("2026-08-03T10:00:00Z").IsZero() {
		t.Fatal("expected RFC3339 timestamp to parse")
	}
}
