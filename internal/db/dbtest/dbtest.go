// Package dbtest provides migrated result databases for tests outside the db
// package.
package dbtest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/muon.report/internal/db"
)

// Template is the file image of a freshly migrated database. Migrating once
// per test binary and copying the image keeps per-test setup to a file write.
type Template struct {
	image []byte
}

// NewTemplate migrates a scratch database and captures its file contents.
func NewTemplate() (*Template, error) {
	dir, err := os.MkdirTemp("", "muon-db-template-*")
	if err != nil {
		return nil, fmt.Errorf("creating template directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "template.db")
	database, err := db.NewDB(path)
	if err != nil {
		return nil, fmt.Errorf("migrating template: %w", err)
	}
	// Fold the WAL into the main file so the image is self-contained.
	if _, err := database.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		database.Close()
		return nil, fmt.Errorf("checkpointing template: %w", err)
	}
	if err := database.Close(); err != nil {
		return nil, fmt.Errorf("closing template: %w", err)
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	return &Template{image: image}, nil
}

// Open writes a copy of the template into a test temp dir and opens it. The
// database is closed when the test ends.
func (tpl *Template) Open(tb testing.TB) *db.DB {
	tb.Helper()
	if tpl == nil || len(tpl.image) == 0 {
		tb.Fatal("dbtest: template not initialized")
	}

	path := filepath.Join(tb.TempDir(), "test.db")
	if err := os.WriteFile(path, tpl.image, 0o600); err != nil {
		tb.Fatalf("dbtest: writing database copy: %v", err)
	}
	database, err := db.OpenDB(path)
	if err != nil {
		tb.Fatalf("dbtest: opening database copy: %v", err)
	}
	tb.Cleanup(func() { database.Close() })
	return database
}

// Main builds a template, stores it in *tpl and runs the tests. Intended for
// TestMain:
//
//	var template *dbtest.Template
//
//	func TestMain(m *testing.M) { os.Exit(dbtest.Main(m, &template)) }
func Main(m *testing.M, tpl **Template) int {
	t, err := NewTemplate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build test database template: %v\n", err)
		return 1
	}
	*tpl = t
	return m.Run()
}
