package database

import (
	"path/filepath"
	"strings"
	"testing"

	"mfdeploy/internal/config"
)

func TestSourceURL(t *testing.T) {
	dir := t.TempDir()
	got, err := SourceURL(dir)
	if err != nil {
		t.Fatalf("SourceURL() error = %v", err)
	}
	if got != "file://"+filepath.ToSlash(dir) {
		t.Errorf("SourceURL() = %q", got)
	}

	def, err := SourceURL("")
	if err != nil || !strings.HasSuffix(def, "/migrations") {
		t.Errorf("SourceURL(\"\") = %q, %v", def, err)
	}
}

func TestDSN(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host: "db", Port: 5433, User: "u", Password: "p", DBName: "history", SSLMode: "disable",
	}
	want := "host=db port=5433 user=u password=p dbname=history sslmode=disable"
	if got := DSN(cfg); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
