package postgres

import (
	"io/fs"
	"testing"
)

func TestMigrationURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@localhost:5432/subsync?sslmode=disable", "pgx5://u:p@localhost:5432/subsync?sslmode=disable"},
		{"postgresql://localhost/subsync", "pgx5://localhost/subsync"},
		{"pgx5://localhost/subsync", "pgx5://localhost/subsync"},
	}
	for _, tt := range tests {
		if got := migrationURL(tt.in); got != tt.want {
			t.Errorf("migrationURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	downs, err := fs.Glob(migrationFiles, "migrations/*.down.sql")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no up migrations embedded")
	}
	if len(ups) != len(downs) {
		t.Errorf("got %d up and %d down migrations", len(ups), len(downs))
	}
}

func TestMigrateRequiresConnectionString(t *testing.T) {
	if err := Migrate(""); err == nil {
		t.Error("expected error for empty connection string")
	}
	if err := Rollback("postgres://localhost/x", 0); err == nil {
		t.Error("expected error for zero steps")
	}
}
