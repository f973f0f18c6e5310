package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-identity-map/bunstore"
	"github.com/goliatone/go-identity-map/internal/scenarios"
	"github.com/uptrace/bun"
)

// SQLite opens a SQLite database in the test's temp dir, runs statements on
// it and closes it when the test ends.
func SQLite(t testing.TB, statements ...string) *bun.DB {
	t.Helper()

	ctx := context.Background()
	db, err := bunstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := bunstore.Exec(ctx, db, statements...); err != nil {
		t.Fatalf("failed to prepare sqlite: %v", err)
	}
	return db
}

// ScenarioSQLite is SQLite with the scenario tables created.
func ScenarioSQLite(t testing.TB) *bun.DB {
	t.Helper()

	stmts, err := scenarios.DDL(scenarios.DialectSQLite)
	if err != nil {
		t.Fatalf("scenario schema: %v", err)
	}
	return SQLite(t, stmts...)
}
