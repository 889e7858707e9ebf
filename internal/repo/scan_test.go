package repo

import "testing"

func TestBindNumbersPlaceholders(t *testing.T) {
	got := postgresDialect.bind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Fatalf("bind = %q, want %q", got, want)
	}
	if sqliteDialect.bind("a = ?") != "a = ?" {
		t.Fatal("sqlite dialect must keep ? placeholders")
	}
}

func TestPlaceholders(t *testing.T) {
	if placeholders(3) != "?, ?, ?" {
		t.Fatalf("unexpected placeholders %q", placeholders(3))
	}
	if placeholders(0) != "" {
		t.Fatal("expected empty placeholders")
	}
}
